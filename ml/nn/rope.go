// rope.go - Rotary Position Embeddings
//
// Dieses Modul enthaelt die Rotationstabellen und beide
// Rotationskonventionen:
// - Standard: Vektor in zwei Haelften teilen (GPT-NeoX, Mistral, Falcon)
// - Interleaved: benachbarte gerade/ungerade Kanaele paaren (GPT-J)
// Die Konventionen sind nicht austauschbar; eine Verwechslung liefert
// still falsche Ergebnisse.
package nn

import (
	"fmt"
	"math"

	"github.com/meshlm/meshlm/ml"
)

// RotaryKind selects the rotation convention.
type RotaryKind int

const (
	RotaryNone RotaryKind = iota
	// RotaryStandard splits each vector into halves: out = x*cos + rotateHalf(x)*sin.
	RotaryStandard
	// RotaryInterleaved rotates adjacent (even, odd) channel pairs.
	RotaryInterleaved
)

func (k RotaryKind) String() string {
	switch k {
	case RotaryStandard:
		return "standard"
	case RotaryInterleaved:
		return "interleaved"
	default:
		return "none"
	}
}

// Rotary holds precomputed sin/cos tables, built once per configuration
// and shared read-only by every layer and call.
//
// RotaryDim enables partial rotation: only the first RotaryDim channels
// of each head are rotated, the rest pass through unchanged (the GPT-J
// family configures rotaryDim < headDim).
type Rotary struct {
	Kind      RotaryKind
	HeadDim   int
	RotaryDim int

	// sin/cos are [maxPos, rotaryDim/2] half-tables; the apply step
	// expands them per convention.
	sin [][]float32
	cos [][]float32
}

// NewRotary precomputes rotation tables for positions [0, maxPos) using
// inverse frequencies theta^(-2i/rotaryDim). rotaryDim <= 0 means full
// rotation (rotaryDim = headDim); rotaryDim must be even.
func NewRotary(kind RotaryKind, maxPos, headDim, rotaryDim int, theta float64) (*Rotary, error) {
	if kind == RotaryNone {
		return &Rotary{Kind: kind, HeadDim: headDim}, nil
	}
	if rotaryDim <= 0 {
		rotaryDim = headDim
	}
	if rotaryDim%2 != 0 || rotaryDim > headDim {
		return nil, fmt.Errorf("nn: rotary dim %d invalid for head dim %d", rotaryDim, headDim)
	}

	half := rotaryDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(theta, float64(2*i)/float64(rotaryDim))
	}

	r := &Rotary{
		Kind:      kind,
		HeadDim:   headDim,
		RotaryDim: rotaryDim,
		sin:       make([][]float32, maxPos),
		cos:       make([][]float32, maxPos),
	}
	for p := 0; p < maxPos; p++ {
		r.sin[p] = make([]float32, half)
		r.cos[p] = make([]float32, half)
		for i, f := range invFreq {
			angle := float64(p) * f
			r.sin[p][i] = float32(math.Sin(angle))
			r.cos[p][i] = float32(math.Cos(angle))
		}
	}
	return r, nil
}

// MaxPositions returns the precomputed table length.
func (r *Rotary) MaxPositions() int { return len(r.sin) }

// Inverse returns a rotary sharing r's tables with negated sin, i.e.
// rotation by -theta at every position. Applying r then r.Inverse()
// reconstructs the input.
func (r *Rotary) Inverse() *Rotary {
	if r.Kind == RotaryNone {
		return r
	}
	inv := &Rotary{Kind: r.Kind, HeadDim: r.HeadDim, RotaryDim: r.RotaryDim, cos: r.cos}
	inv.sin = make([][]float32, len(r.sin))
	for p, row := range r.sin {
		neg := make([]float32, len(row))
		for i, v := range row {
			neg[i] = -v
		}
		inv.sin[p] = neg
	}
	return inv
}

// Apply rotates t, shaped [batch, seq, heads, headDim], at the given
// positions (one position id per [batch][seq] token). Positions past the
// precomputed table are an error: callers size maxPos from the config's
// max position embeddings.
func (r *Rotary) Apply(t *ml.Tensor, positions [][]int32) (*ml.Tensor, error) {
	if r.Kind == RotaryNone {
		return t, nil
	}
	if t.Dims() != 4 {
		return nil, fmt.Errorf("nn: rotary expects [batch, seq, heads, headDim], got %v", t.Shape())
	}
	batch, seq, heads, headDim := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	if headDim != r.HeadDim {
		return nil, fmt.Errorf("nn: rotary built for head dim %d, got %d", r.HeadDim, headDim)
	}
	if len(positions) != batch || len(positions[0]) != seq {
		return nil, fmt.Errorf("nn: position ids [%d][%d] do not match batch %d seq %d", len(positions), len(positions[0]), batch, seq)
	}

	out := t.Clone()
	data := out.Floats()
	half := r.RotaryDim / 2

	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			p := int(positions[b][s])
			if p < 0 || p >= len(r.sin) {
				return nil, fmt.Errorf("nn: position %d outside precomputed table of %d", p, len(r.sin))
			}
			sin, cos := r.sin[p], r.cos[p]
			for h := 0; h < heads; h++ {
				base := ((b*seq+s)*heads + h) * headDim
				vec := data[base : base+headDim]
				switch r.Kind {
				case RotaryStandard:
					// [x1 x2] -> [x1*cos - x2*sin, x2*cos + x1*sin]
					for i := 0; i < half; i++ {
						x1, x2 := vec[i], vec[i+half]
						vec[i] = x1*cos[i] - x2*sin[i]
						vec[i+half] = x2*cos[i] + x1*sin[i]
					}
				case RotaryInterleaved:
					// (x_even, x_odd) pairs rotated in place.
					for i := 0; i < half; i++ {
						x1, x2 := vec[2*i], vec[2*i+1]
						vec[2*i] = x1*cos[i] - x2*sin[i]
						vec[2*i+1] = x2*cos[i] + x1*sin[i]
					}
				}
			}
		}
	}
	return out, nil
}
