// Modul: ring.go
// Beschreibung: Ring-Aufmerksamkeit über die Modellparallel-Achse des
// Gerätegitters. Jeder Worker hält einen Query-Abschnitt fest und
// reicht Key/Value-Blöcke im Ring weiter, bis jeder Block jeden Worker
// passiert hat.
package attention

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/meshlm/meshlm/ml"
)

func init() {
	RegisterKernel(ml.PlatformGPU, ringKernel)
}

// kvBlock is one sequence shard of the key/value pair travelling the
// ring. shard records where it was cut from, which locates its columns
// in the score bias.
type kvBlock struct {
	shard int
	key   *ml.Tensor
	value *ml.Tensor
}

// ringState is the online-softmax accumulator one worker keeps for its
// query shard while key/value blocks stream past.
type ringState struct {
	runMax []float64
	runSum []float64
	acc    []float64
}

// ringKernel shards the sequence across the mesh's model-parallel axis
// and rotates key/value blocks through every worker. Each worker folds
// arriving blocks into a running softmax, so no worker ever holds the
// full score matrix. The workers stand in for the devices of one
// communication group.
func ringKernel(query, key, value, bias *ml.Tensor, opts Options) (*ml.Tensor, error) {
	if opts.Mesh == nil {
		return nil, errors.New("attention: ring kernel requires a device mesh")
	}
	axis := opts.axisName()
	if !opts.Mesh.Has(axis) {
		return nil, errors.Errorf("attention: mesh has no %q axis for ring attention", axis)
	}
	shards := opts.Mesh.Size(axis)

	q, k, v, dt := promote(query, key, value)
	queryLen, kvLen := q.Dim(2), k.Dim(2)
	if queryLen%shards != 0 {
		return nil, errors.Errorf(
			"attention: query length %d is not divisible into %d ring shards", queryLen, shards)
	}
	if kvLen%shards != 0 {
		return nil, errors.Errorf(
			"attention: kv length %d is not divisible into %d ring shards", kvLen, shards)
	}

	batch, heads, headDim := q.Dim(0), q.Dim(1), q.Dim(3)
	qChunk, kvChunk := queryLen/shards, kvLen/shards
	scale := opts.scale(headDim)

	out := ml.Zeros(dt, batch, heads, queryLen, headDim)
	od := out.Floats()

	// Buffered ring links: worker w receives on links[w] and forwards
	// to links[(w+1)%shards].
	links := make([]chan kvBlock, shards)
	for w := range links {
		links[w] = make(chan kvBlock, 1)
	}

	var g errgroup.Group
	for w := 0; w < shards; w++ {
		g.Go(func() error {
			qShard := q.SliceDim(2, w*qChunk, (w+1)*qChunk)
			qd := qShard.Floats()
			st := ringState{
				runMax: make([]float64, batch*heads*qChunk),
				runSum: make([]float64, batch*heads*qChunk),
				acc:    make([]float64, batch*heads*qChunk*headDim),
			}
			for i := range st.runMax {
				st.runMax[i] = math.Inf(-1)
			}

			block := kvBlock{
				shard: w,
				key:   k.SliceDim(2, w*kvChunk, (w+1)*kvChunk),
				value: v.SliceDim(2, w*kvChunk, (w+1)*kvChunk),
			}
			for round := 0; round < shards; round++ {
				foldBlock(&st, qd, block, bias, opts, w*qChunk, batch, heads, qChunk, headDim, scale)
				if round < shards-1 {
					links[(w+1)%shards] <- block
					block = <-links[w]
				}
			}

			// Normalize into this worker's disjoint slice of the output.
			for b := 0; b < batch; b++ {
				for h := 0; h < heads; h++ {
					plane := b*heads + h
					for i := 0; i < qChunk; i++ {
						row := (plane*qChunk + i)
						if st.runSum[row] == 0 {
							continue
						}
						inv := 1 / st.runSum[row]
						dst := (plane*queryLen + w*qChunk + i) * headDim
						for c := 0; c < headDim; c++ {
							od[dst+c] = float32(st.acc[row*headDim+c] * inv)
						}
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// foldBlock folds one key/value block into a worker's running softmax.
// qRowOffset is the worker's first global query row; the block's shard
// index locates its columns in the bias.
func foldBlock(st *ringState, qd []float32, block kvBlock, bias *ml.Tensor, opts Options,
	qRowOffset, batch, heads, qChunk, headDim int, scale float64) {

	kvChunk := block.key.Dim(2)
	kd, vd := block.key.Floats(), block.value.Floats()
	colOffset := block.shard * kvChunk

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			plane := b*heads + h
			for i := 0; i < qChunk; i++ {
				row := plane*qChunk + i
				qRow := qd[(plane*qChunk+i)*headDim : (plane*qChunk+i+1)*headDim]
				for j := 0; j < kvChunk; j++ {
					kRow := kd[(plane*kvChunk+j)*headDim : (plane*kvChunk+j+1)*headDim]
					var dot float64
					for c := 0; c < headDim; c++ {
						dot += float64(qRow[c]) * float64(kRow[c])
					}
					s := dot * scale
					if opts.Alibi != nil {
						s += float64(broadcastAt(opts.Alibi, b, h, qRowOffset+i, colOffset+j))
					}
					if bias != nil {
						s += float64(broadcastAt(bias, b, h, qRowOffset+i, colOffset+j))
					}

					if s > st.runMax[row] {
						rescale := math.Exp(st.runMax[row] - s)
						st.runSum[row] *= rescale
						for c := 0; c < headDim; c++ {
							st.acc[row*headDim+c] *= rescale
						}
						st.runMax[row] = s
					}
					w := math.Exp(s - st.runMax[row])
					st.runSum[row] += w
					vRow := vd[(plane*kvChunk+j)*headDim : (plane*kvChunk+j+1)*headDim]
					for c := 0; c < headDim; c++ {
						st.acc[row*headDim+c] += w * float64(vRow[c])
					}
				}
			}
		}
	}
}
