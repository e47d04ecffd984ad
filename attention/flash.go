// Modul: flash.go
// Beschreibung: Blockweiser Aufmerksamkeits-Kernel mit Online-Softmax.
// Läuft ohne die volle Score-Matrix, indem Key/Value-Blöcke gestreamt
// und laufende Maxima und Normalisierer mitgeführt werden.
package attention

import (
	"math"

	"github.com/meshlm/meshlm/ml"
)

const (
	defaultBlockQ = 128
	defaultBlockK = 128
)

func init() {
	RegisterKernel(ml.PlatformTPU, flashKernel)
}

// flashKernel streams key/value blocks past each query block, keeping
// a running maximum and normalizer per query row instead of the full
// score matrix. Low-precision operands are always upcast to float32 and
// the result stays float32; the accumulation is not safe in half
// formats.
func flashKernel(query, key, value, bias *ml.Tensor, opts Options) (*ml.Tensor, error) {
	q, k, v, dt := promote(query, key, value)
	if dt != ml.DTypeF32 {
		q, k, v = q.Cast(ml.DTypeF32), k.Cast(ml.DTypeF32), v.Cast(ml.DTypeF32)
		dt = ml.DTypeF32
	}

	blockQ, blockK := opts.BlockQ, opts.BlockK
	if blockQ <= 0 {
		blockQ = defaultBlockQ
	}
	if blockK <= 0 {
		blockK = defaultBlockK
	}

	batch, heads := q.Dim(0), q.Dim(1)
	queryLen, kvLen, headDim := q.Dim(2), k.Dim(2), q.Dim(3)
	scale := opts.scale(headDim)

	qd, kd, vd := q.Floats(), k.Floats(), v.Floats()
	out := ml.Zeros(dt, batch, heads, queryLen, headDim)
	od := out.Floats()

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			plane := (b*heads + h)
			qBase := plane * queryLen * headDim
			kvBase := plane * kvLen * headDim

			for q0 := 0; q0 < queryLen; q0 += blockQ {
				q1 := min(q0+blockQ, queryLen)
				rows := q1 - q0

				runMax := make([]float64, rows)
				runSum := make([]float64, rows)
				acc := make([]float64, rows*headDim)
				for i := range runMax {
					runMax[i] = math.Inf(-1)
				}

				for k0 := 0; k0 < kvLen; k0 += blockK {
					k1 := min(k0+blockK, kvLen)
					for i := 0; i < rows; i++ {
						qRow := qd[qBase+(q0+i)*headDim : qBase+(q0+i+1)*headDim]
						for j := k0; j < k1; j++ {
							kRow := kd[kvBase+j*headDim : kvBase+(j+1)*headDim]
							var dot float64
							for c := 0; c < headDim; c++ {
								dot += float64(qRow[c]) * float64(kRow[c])
							}
							s := dot * scale
							if opts.Alibi != nil {
								s += float64(broadcastAt(opts.Alibi, b, h, q0+i, j))
							}
							if bias != nil {
								s += float64(broadcastAt(bias, b, h, q0+i, j))
							}

							if s > runMax[i] {
								rescale := math.Exp(runMax[i] - s)
								runSum[i] *= rescale
								for c := 0; c < headDim; c++ {
									acc[i*headDim+c] *= rescale
								}
								runMax[i] = s
							}
							w := math.Exp(s - runMax[i])
							runSum[i] += w
							vRow := vd[kvBase+j*headDim : kvBase+(j+1)*headDim]
							for c := 0; c < headDim; c++ {
								acc[i*headDim+c] += w * float64(vRow[c])
							}
						}
					}
				}

				for i := 0; i < rows; i++ {
					if runSum[i] == 0 {
						continue
					}
					inv := 1 / runSum[i]
					dst := qBase + (q0+i)*headDim
					for c := 0; c < headDim; c++ {
						od[dst+c] = float32(acc[i*headDim+c] * inv)
					}
				}
			}
		}
	}
	return out, nil
}

// broadcastAt reads a score-bias element, broadcasting size-1 batch,
// head and query dimensions.
func broadcastAt(t *ml.Tensor, b, h, i, j int) float32 {
	if t.Dim(0) == 1 {
		b = 0
	}
	if t.Dim(1) == 1 {
		h = 0
	}
	if t.Dim(2) == 1 {
		i = 0
	}
	return t.At(b, h, i, j)
}
