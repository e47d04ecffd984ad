// activation.go - Aktivierungsfunktionen
// Tabelle konfigurierbarer Aktivierungen, per String-Schluessel wie in
// den Referenz-Konfigurationen ("gelu", "gelu_new", "relu", "silu").
package nn

import (
	"fmt"
	"math"

	"github.com/meshlm/meshlm/ml"
)

// Activation applies a pointwise nonlinearity.
type Activation func(*ml.Tensor) *ml.Tensor

func pointwise(f func(float64) float64) Activation {
	return func(t *ml.Tensor) *ml.Tensor {
		out := t.Clone()
		data := out.Floats()
		for i, v := range data {
			data[i] = float32(f(float64(v)))
		}
		return out
	}
}

func geluExact(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func geluTanh(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func silu(x float64) float64 {
	return x / (1 + math.Exp(-x))
}

func relu(x float64) float64 {
	return math.Max(x, 0)
}

var activations = map[string]Activation{
	"gelu":     pointwise(geluExact),
	"gelu_new": pointwise(geluTanh),
	"relu":     pointwise(relu),
	"silu":     pointwise(silu),
	"swish":    pointwise(silu),
}

// ActivationByName resolves a configured activation kind. Unknown kinds
// are a configuration error.
func ActivationByName(name string) (Activation, error) {
	f, ok := activations[name]
	if !ok {
		return nil, fmt.Errorf("nn: unsupported activation %q", name)
	}
	return f, nil
}
