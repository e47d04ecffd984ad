// rng.go - Benannte Zufallsstroeme
//
// Jede Zufallsquelle ("params", "dropout", "fcm") ist ein eigener,
// deterministisch aus dem Wurzel-Seed abgeleiteter Strom. Es gibt
// keinen globalen Generator.
package nn

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/meshlm/meshlm/ml"
)

// Streams derives named random streams from one root seed.
type Streams struct {
	seed    uint64
	streams map[string]*Stream
}

// NewStreams creates a stream factory for the given root seed.
func NewStreams(seed uint64) *Streams {
	return &Streams{seed: seed, streams: make(map[string]*Stream)}
}

// Named returns the live stream for a channel name, creating it on
// first use. Repeated calls hand back the same advancing stream, so
// successive draws never repeat; the same (seed, name) pair still
// yields an identical overall sequence across factories.
func (s *Streams) Named(name string) *Stream {
	if st, ok := s.streams[name]; ok {
		return st
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	st := &Stream{rng: rand.New(rand.NewPCG(s.seed, h.Sum64()))}
	s.streams[name] = st
	return st
}

// Stream is one deterministic random stream.
type Stream struct {
	rng *rand.Rand
}

// Normal samples a tensor with normal(0, std) entries.
func (s *Stream) Normal(std float64, shape ...int) *ml.Tensor {
	t := ml.Zeros(ml.DTypeF32, shape...)
	data := t.Floats()
	for i := range data {
		data[i] = float32(s.rng.NormFloat64() * std)
	}
	return t
}

// Float64 returns a uniform sample in [0, 1).
func (s *Stream) Float64() float64 { return s.rng.Float64() }

// Dropout applies inverted dropout with the given rate. rate <= 0
// returns t unchanged; callers gate on deterministic mode themselves.
func Dropout(t *ml.Tensor, rate float32, s *Stream) *ml.Tensor {
	if rate <= 0 {
		return t
	}
	if rate >= 1 {
		return ml.Zeros(t.DType(), t.Shape()...)
	}
	out := t.Clone()
	data := out.Floats()
	keep := 1 - float64(rate)
	scale := float32(1 / keep)
	for i := range data {
		if s.Float64() < float64(rate) {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return out
}

