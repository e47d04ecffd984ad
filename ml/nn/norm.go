// norm.go - Normalisierungsschichten
// LayerNorm (OPT, Falcon, GPT-J, GPT-NeoX) und RMSNorm (Mistral).
package nn

import (
	"math"

	"github.com/meshlm/meshlm/ml"
)

// LayerNorm normalizes the last dimension to zero mean and unit variance
// before applying the learned scale and shift.
type LayerNorm struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
	Eps    float32
}

func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Weight: ml.Full(1, ml.DTypeF32, dim),
		Bias:   ml.Zeros(ml.DTypeF32, dim),
		Eps:    eps,
	}
}

func (n *LayerNorm) Forward(x *ml.Tensor) *ml.Tensor {
	out := x.Clone()
	dim := x.Dim(x.Dims() - 1)
	data := out.Floats()
	w := n.Weight.Floats()
	b := n.Bias.Floats()
	for r := 0; r < len(data)/dim; r++ {
		row := data[r*dim : (r+1)*dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := 1 / math.Sqrt(variance+float64(n.Eps))
		for i, v := range row {
			row[i] = float32((float64(v)-mean)*inv)*w[i] + b[i]
		}
	}
	return out
}

// RMSNorm normalizes by the root mean square only. The reduction runs in
// float64 regardless of the model dtype, matching the upcast the
// reference implementations force for stability.
type RMSNorm struct {
	Weight *ml.Tensor
	Eps    float32
}

func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{Weight: ml.Full(1, ml.DTypeF32, dim), Eps: eps}
}

func (n *RMSNorm) Forward(x *ml.Tensor) *ml.Tensor {
	out := x.Clone()
	dim := x.Dim(x.Dims() - 1)
	data := out.Floats()
	w := n.Weight.Floats()
	for r := 0; r < len(data)/dim; r++ {
		row := data[r*dim : (r+1)*dim]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv := 1 / math.Sqrt(ss/float64(dim)+float64(n.Eps))
		for i, v := range row {
			row[i] = float32(float64(v)*inv) * w[i]
		}
	}
	return out
}
