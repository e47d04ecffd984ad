// alibi.go - Alibi Positions-Bias
//
// Kopfweise lineare Distanz-Strafe statt Rotation (Falcon, Bloom, MPT).
// Die Steigungen folgen einer geometrischen Folge mit Korrekturzweig
// fuer Kopfzahlen, die keine Zweierpotenz sind.
package nn

import (
	"math"

	"github.com/meshlm/meshlm/ml"
)

// AlibiSlopes returns the per-head slope values. For power-of-two head
// counts this is base^(i+1) with base = 2^(-8/numHeads). Otherwise the
// heads split into the closest power-of-two group and an extra group
// drawn from the doubled base at odd powers.
func AlibiSlopes(numHeads int) []float32 {
	closest := 1 << int(math.Floor(math.Log2(float64(numHeads))))

	base := math.Pow(2, -math.Pow(2, -(math.Log2(float64(closest))-3)))
	slopes := make([]float32, 0, numHeads)
	for i := 1; i <= closest; i++ {
		slopes = append(slopes, float32(math.Pow(base, float64(i))))
	}

	if closest != numHeads {
		extraBase := math.Pow(2, -math.Pow(2, -(math.Log2(float64(2*closest))-3)))
		for i, p := 0, 1; i < numHeads-closest; i, p = i+1, p+2 {
			slopes = append(slopes, float32(math.Pow(extraBase, float64(p))))
		}
	}
	return slopes
}

// AlibiBias builds the additive attention bias from a padding mask
// shaped [batch, seqKV] (1 = valid, 0 = padded). Each head's bias is its
// slope times the cumulative count of valid prior tokens, masked to the
// valid positions: the result is [batch, numHeads, 1, seqKV] and is
// broadcast over the query rows.
func AlibiBias(mask *ml.Tensor, numHeads int) *ml.Tensor {
	batch, seq := mask.Dim(0), mask.Dim(1)
	slopes := AlibiSlopes(numHeads)

	// arange = (cumsum(mask) - 1) * mask; padded positions contribute 0.
	arange := mask.CumsumLast()
	data := arange.Floats()
	mdata := mask.Floats()
	for i := range data {
		data[i] = (data[i] - 1) * mdata[i]
	}

	bias := ml.Zeros(mask.DType(), batch, numHeads, 1, seq)
	out := bias.Floats()
	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seq; s++ {
				out[(b*numHeads+h)*seq+s] = slopes[h] * data[b*seq+s]
			}
		}
	}
	return bias
}
