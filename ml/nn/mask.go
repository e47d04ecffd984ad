// mask.go - Attention-Masken
//
// Boolesche Masken (1 = erlaubt) werden per UND kombiniert und erst am
// Ende in einen additiven Bias umgerechnet: 0 wo erlaubt, kleinster
// darstellbarer Wert wo verboten.
package nn

import "github.com/meshlm/meshlm/ml"

// CausalMask builds the static lower-triangular mask sized
// [1, 1, maxPos, maxPos]; callers slice the active window per step.
func CausalMask(maxPos int) *ml.Tensor {
	return ml.Full(1, ml.DTypeF32, 1, 1, maxPos, maxPos).Tril(0)
}

// SlidingWindowCausalMask restricts the causal mask to a trailing window
// of the given size (Mistral-style sliding window attention): row i may
// attend to columns (i-window, i], at most window tokens including
// itself. A window of zero or one covering the whole range degrades to
// the plain mask.
func SlidingWindowCausalMask(maxPos, window int) *ml.Tensor {
	if window <= 0 || window >= maxPos {
		return CausalMask(maxPos)
	}
	return CausalMask(maxPos).Triu(-(window - 1))
}

// CombineMasks ANDs boolean masks elementwise with broadcasting. Nil
// masks are skipped; all-nil input yields nil.
func CombineMasks(masks ...*ml.Tensor) *ml.Tensor {
	var out *ml.Tensor
	for _, m := range masks {
		if m == nil {
			continue
		}
		if out == nil {
			out = m.Clone()
			continue
		}
		out = out.Minimum(m)
	}
	if out == nil {
		return nil
	}
	data := out.Floats()
	for i, v := range data {
		if v != 0 {
			data[i] = 1
		}
	}
	return out
}

// MaskToBias converts a boolean mask (nonzero = attend) into an additive
// bias: 0 where allowed, the dtype's most negative value where not.
func MaskToBias(mask *ml.Tensor, dtype ml.DType) *ml.Tensor {
	out := mask.Clone().Cast(dtype)
	data := out.Floats()
	neg := ml.MinValue(dtype)
	for i, v := range data {
		if v > 0 {
			data[i] = 0
		} else {
			data[i] = neg
		}
	}
	return out
}
