// Modul: dense.go
// Beschreibung: Dichter Referenzpfad der Aufmerksamkeit. Materialisiert
// die volle Score-Matrix und dient als Fallback und als Messlatte für
// die Fused-Kernel.
package attention

import (
	"github.com/pkg/errors"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/ml/sharding"
)

// dense computes scaled dot-product attention by materializing the
// [batch, heads, queryLen, kvLen] score matrix. It is the only path
// that applies attention dropout.
func dense(query, key, value, bias *ml.Tensor, opts Options) (*ml.Tensor, error) {
	q, k, v, _ := promote(query, key, value)
	q = sharding.WithConstraint(q, opts.QuerySpec, opts.Mesh)
	k = sharding.WithConstraint(k, opts.KeySpec, opts.Mesh)
	v = sharding.WithConstraint(v, opts.ValueSpec, opts.Mesh)

	scores := q.MatmulT(k).Scale(float32(opts.scale(query.Dim(3))))
	if opts.Alibi != nil {
		scores = scores.Add(opts.Alibi)
	}
	if bias != nil {
		scores = scores.Add(sharding.WithConstraint(bias, opts.BiasSpec, opts.Mesh))
	}

	weights := scores.Softmax()
	if !opts.Deterministic && opts.DropoutRate > 0 {
		if opts.DropoutStream == nil {
			return nil, errors.New("attention: dropout requested without a dropout stream")
		}
		weights = nn.Dropout(weights, opts.DropoutRate, opts.DropoutStream)
	}

	return sharding.WithConstraint(weights.Matmul(v), opts.OutputSpec, opts.Mesh), nil
}
