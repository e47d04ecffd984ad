// Package nn - Netzwerk-Bausteine
//
// Dieses Paket enthaelt die Schichten, aus denen die Transformer-Bloecke
// gebaut werden: Linear, LayerNorm, RMSNorm, Aktivierungen sowie die
// Rotary- und Alibi-Positionskodierer.
package nn

import (
	"fmt"

	"github.com/meshlm/meshlm/ml"
)

// Linear is a dense projection y = x @ kernel + bias. The kernel is laid
// out [in, out]; converted reference weights are transposed into this
// convention by the transform package.
type Linear struct {
	Kernel *ml.Tensor
	Bias   *ml.Tensor
}

// NewLinear initializes a linear layer with normal(0, std) weights drawn
// from rng and no bias.
func NewLinear(in, out int, std float64, rng *Stream) *Linear {
	return &Linear{Kernel: rng.Normal(std, in, out)}
}

// Forward applies the projection over the last dimension of x.
func (l *Linear) Forward(x *ml.Tensor) *ml.Tensor {
	in := l.Kernel.Dim(0)
	if x.Dim(x.Dims()-1) != in {
		panic(fmt.Sprintf("nn: linear expects trailing dim %d, got %v", in, x.Shape()))
	}
	shape := x.Shape()
	n := x.NumElements() / in

	y := x.Reshape(n, in).Matmul(l.Kernel)
	if l.Bias != nil {
		y = y.Add(l.Bias)
	}
	shape[len(shape)-1] = l.Kernel.Dim(1)
	return y.Reshape(shape...)
}

// Embedding is a vocabulary lookup table shaped [vocab, hidden].
type Embedding struct {
	Weight *ml.Tensor
}

// NewEmbedding initializes the table with normal(0, std) values.
func NewEmbedding(vocab, hidden int, std float64, rng *Stream) *Embedding {
	return &Embedding{Weight: rng.Normal(std, vocab, hidden)}
}

// Forward gathers embedding rows for the given token ids, returning
// [batch, seq, hidden].
func (e *Embedding) Forward(ids [][]int32) *ml.Tensor {
	batch := len(ids)
	seq := len(ids[0])
	flat := make([]int32, 0, batch*seq)
	for _, row := range ids {
		flat = append(flat, row...)
	}
	return e.Weight.Rows(flat).Reshape(batch, seq, e.Weight.Dim(1))
}
