// Modul: attention.go
// Beschreibung: Dispatcher, der pro Plattform den passenden
// Aufmerksamkeits-Kernel auswählt. Fused-Kernel registrieren sich über
// RegisterKernel; ohne Fused-Pfad läuft immer der dichte Fallback.
package attention

import (
	"log/slog"
	"math"

	"github.com/pkg/errors"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/ml/sharding"
)

// Options carries everything a kernel needs beyond the operands.
type Options struct {
	// Platform selects the fused kernel when UseFlash is set.
	Platform ml.Platform
	// UseFlash routes through the registered fused kernel instead of
	// the dense fallback.
	UseFlash bool

	// Mesh is required by kernels that communicate across devices.
	Mesh *sharding.Mesh
	// AxisName is the mesh axis the ring kernel rotates key/value
	// blocks over. Empty means the "mp" axis.
	AxisName string

	// QuerySpec, KeySpec, ValueSpec, BiasSpec and OutputSpec annotate
	// the operands and the result with their intended placement.
	QuerySpec  sharding.Spec
	KeySpec    sharding.Spec
	ValueSpec  sharding.Spec
	BiasSpec   sharding.Spec
	OutputSpec sharding.Spec

	// Scale overrides the default 1/sqrt(headDim) score scaling.
	Scale float64
	// Alibi, when set, is added to the scaled scores before the mask
	// bias. Models using it pass Scale as their inverse-norm factor.
	Alibi *ml.Tensor

	// BlockQ and BlockK size the chunks of the fused kernels. Zero
	// falls back to the kernel default.
	BlockQ int
	BlockK int

	// DropoutRate applies to the attention weights on the dense path
	// when Deterministic is unset.
	DropoutRate   float32
	Deterministic bool
	DropoutStream *nn.Stream
}

// scale resolves the effective score scaling factor.
func (o Options) scale(headDim int) float64 {
	if o.Scale != 0 {
		return o.Scale
	}
	return 1 / math.Sqrt(float64(headDim))
}

func (o Options) axisName() string {
	if o.AxisName == "" {
		return "mp"
	}
	return o.AxisName
}

// Kernel is a fused attention implementation for one platform. The
// operands arrive validated, key/value already expanded to the query
// head count, all in the layout [batch, heads, seq, headDim]. bias is
// nil or [batch|1, heads|1, seqQ, seqKV].
type Kernel func(query, key, value, bias *ml.Tensor, opts Options) (*ml.Tensor, error)

var kernels = make(map[ml.Platform]Kernel)

// RegisterKernel registers a fused kernel for a platform. It panics if
// the platform is already taken.
func RegisterKernel(platform ml.Platform, kernel Kernel) {
	if _, ok := kernels[platform]; ok {
		panic("attention: kernel already registered for platform " + string(platform))
	}
	kernels[platform] = kernel
}

// Compute runs scaled dot-product attention over operands in the
// layout [batch, heads, seq, headDim]. Key/value may carry fewer heads
// than the query (grouped-query attention); they are expanded before
// dispatch. With UseFlash set the platform's fused kernel runs,
// otherwise the dense fallback. The result keeps the query layout.
func Compute(query, key, value, bias *ml.Tensor, opts Options) (*ml.Tensor, error) {
	if err := CheckShapes(query, key, value); err != nil {
		return nil, err
	}
	key, err := RepeatKV(key, query.Dim(1))
	if err != nil {
		return nil, err
	}
	value, err = RepeatKV(value, query.Dim(1))
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if err := checkBias(bias, query, key); err != nil {
			return nil, err
		}
	}

	if !opts.UseFlash {
		return dense(query, key, value, bias, opts)
	}

	kernel, ok := kernels[opts.Platform]
	if !ok {
		return nil, errors.Errorf("attention: unsupported platform %q", string(opts.Platform))
	}
	slog.Debug("dispatching fused attention kernel",
		"platform", string(opts.Platform),
		"batch", query.Dim(0),
		"heads", query.Dim(1),
		"query_len", query.Dim(2),
		"kv_len", key.Dim(2))
	out, err := kernel(query, key, value, bias, opts)
	if err != nil {
		return nil, err
	}
	return sharding.WithConstraint(out, opts.OutputSpec, opts.Mesh), nil
}

// checkBias validates the additive score bias against the expanded
// operands. Batch and head dimensions may be 1 for broadcasting.
func checkBias(bias, query, key *ml.Tensor) error {
	if bias.Dims() != 4 {
		return errors.Errorf(
			"attention: bias must be rank 4 with layout [batch, heads, queryLen, kvLen], got shape %v",
			bias.Shape(),
		)
	}
	if bias.Dim(0) != 1 && bias.Dim(0) != query.Dim(0) {
		return errors.Errorf("attention: bias batch %d does not broadcast to %d", bias.Dim(0), query.Dim(0))
	}
	if bias.Dim(1) != 1 && bias.Dim(1) != query.Dim(1) {
		return errors.Errorf("attention: bias heads %d do not broadcast to %d", bias.Dim(1), query.Dim(1))
	}
	if bias.Dim(2) != query.Dim(2) || bias.Dim(3) != key.Dim(2) {
		return errors.Errorf(
			"attention: bias window %dx%d does not match query len %d and kv len %d",
			bias.Dim(2), bias.Dim(3), query.Dim(2), key.Dim(2),
		)
	}
	return nil
}
