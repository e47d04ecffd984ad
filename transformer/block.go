// Modul: block.go
// Beschreibung: Der eine generische Decoder-Block. Rotations-,
// Normierungs- und Residual-Varianten kommen aus den Traits; es gibt
// keine Blockklasse pro Architektur.
package transformer

import (
	"fmt"

	"github.com/meshlm/meshlm/attention"
	"github.com/meshlm/meshlm/kvcache"
	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
)

// Norm is satisfied by both normalization layers.
type Norm interface {
	Forward(*ml.Tensor) *ml.Tensor
}

func newNorm(cfg *Config) Norm {
	if cfg.Traits.Norm == NormRMSNorm {
		return nn.NewRMSNorm(cfg.HiddenSize, cfg.NormEps())
	}
	return nn.NewLayerNorm(cfg.HiddenSize, cfg.NormEps())
}

// forwardPass bundles the per-call state every block sees: positions,
// masks, the alibi bias, mode flags and the pre-filled dispatcher
// options.
type forwardPass struct {
	positions     [][]int32
	causal        *ml.Tensor // full [1, 1, maxPos, maxPos] boolean table
	callerMask    *ml.Tensor // optional boolean mask from the caller
	alibi         *ml.Tensor
	deterministic bool
	streams       *nn.Streams
	opts          attention.Options
}

// SelfAttention projects the hidden states, applies rotary positions,
// talks to the layer's cache and runs the dispatcher.
type SelfAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Fused  *nn.Linear
	Output *nn.Linear

	rotary   *nn.Rotary
	numHeads int
	kvHeads  int
	headDim  int
	dropout  float32
}

func newSelfAttention(cfg *Config, rotary *nn.Rotary, rng *nn.Stream) *SelfAttention {
	hidden, heads, kvHeads, headDim := cfg.HiddenSize, cfg.NumHeads, cfg.KVHeads(), cfg.HeadDim()
	a := &SelfAttention{
		Output:   newProjection(heads*headDim, hidden, cfg, rng),
		rotary:   rotary,
		numHeads: heads,
		kvHeads:  kvHeads,
		headDim:  headDim,
		dropout:  cfg.AttnDropout,
	}
	if cfg.Traits.FusedQKV {
		a.Fused = newProjection(hidden, (heads+2*kvHeads)*headDim, cfg, rng)
	} else {
		a.Query = newProjection(hidden, heads*headDim, cfg, rng)
		a.Key = newProjection(hidden, kvHeads*headDim, cfg, rng)
		a.Value = newProjection(hidden, kvHeads*headDim, cfg, rng)
	}
	return a
}

func newProjection(in, out int, cfg *Config, rng *nn.Stream) *nn.Linear {
	l := nn.NewLinear(in, out, cfg.InitializerRange, rng)
	if cfg.Traits.ProjectionBias {
		l.Bias = ml.Zeros(ml.DTypeF32, out)
	}
	return l
}

// project computes query/key/value in the cache layout
// [batch, seq, heads, headDim]. The fused path splits one projection
// into the three contiguous head groups and broadcast-merges them into
// the same layout the separate path produces.
func (a *SelfAttention) project(x *ml.Tensor) (q, k, v *ml.Tensor) {
	batch, seq := x.Dim(0), x.Dim(1)
	if a.Fused != nil {
		qkv := a.Fused.Forward(x)
		qWidth := a.numHeads * a.headDim
		kvWidth := a.kvHeads * a.headDim
		q = qkv.SliceDim(2, 0, qWidth)
		k = qkv.SliceDim(2, qWidth, qWidth+kvWidth)
		v = qkv.SliceDim(2, qWidth+kvWidth, qWidth+2*kvWidth)
	} else {
		q = a.Query.Forward(x)
		k = a.Key.Forward(x)
		v = a.Value.Forward(x)
	}
	q = q.Reshape(batch, seq, a.numHeads, a.headDim)
	k = k.Reshape(batch, seq, a.kvHeads, a.headDim)
	v = v.Reshape(batch, seq, a.kvHeads, a.headDim)
	return q, k, v
}

// Forward runs one attention sub-layer. With an active cache the step's
// key/value slices are written at the cursor first, and the mask is the
// cursor-derived padding mask ANDed with the causal band of the current
// rows.
func (a *SelfAttention) Forward(x *ml.Tensor, fc *forwardPass, cache *kvcache.Cache) (*ml.Tensor, error) {
	seq := x.Dim(1)
	q, k, v := a.project(x)

	var err error
	if a.rotary != nil {
		if q, err = a.rotary.Apply(q, fc.positions); err != nil {
			return nil, err
		}
		if k, err = a.rotary.Apply(k, fc.positions); err != nil {
			return nil, err
		}
	}

	key, value := k, v
	var mask *ml.Tensor
	if cache != nil {
		if key, value, err = cache.Put(k, v); err != nil {
			return nil, err
		}
		pad, err := cache.StepMask(fc.callerMask, seq)
		if err != nil {
			return nil, err
		}
		row0 := cache.Index() - seq
		band := fc.causal.SliceDim(2, row0, row0+seq).SliceDim(3, 0, cache.MaxLength())
		mask = nn.CombineMasks(pad, band)
	} else {
		band := fc.causal.SliceDim(2, 0, seq).SliceDim(3, 0, seq)
		mask = nn.CombineMasks(band, fc.callerMask)
	}
	bias := nn.MaskToBias(mask, q.DType())

	opts := fc.opts
	opts.Alibi = fc.alibi
	opts.DropoutRate = a.dropout
	opts.Deterministic = fc.deterministic
	if !fc.deterministic && a.dropout > 0 {
		opts.DropoutStream = fc.streams.Named("dropout")
	}

	ctx, err := attention.Compute(
		q.Permute(0, 2, 1, 3),
		key.Permute(0, 2, 1, 3),
		value.Permute(0, 2, 1, 3),
		bias,
		opts,
	)
	if err != nil {
		return nil, err
	}
	merged, err := attention.MergeHeads(ctx)
	if err != nil {
		return nil, err
	}
	return a.Output.Forward(merged), nil
}

// MLP is the feed-forward sub-layer, plain or gated.
type MLP struct {
	Up   *nn.Linear
	Down *nn.Linear
	Gate *nn.Linear

	act nn.Activation
}

func newMLP(cfg *Config, rng *nn.Stream) (*MLP, error) {
	name := cfg.Activation
	if name == "" {
		name = "gelu"
	}
	act, err := nn.ActivationByName(name)
	if err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	m := &MLP{
		Up:   newProjection(cfg.HiddenSize, cfg.IntermediateSize, cfg, rng),
		Down: newProjection(cfg.IntermediateSize, cfg.HiddenSize, cfg, rng),
		act:  act,
	}
	if cfg.Traits.GatedMLP {
		m.Gate = newProjection(cfg.HiddenSize, cfg.IntermediateSize, cfg, rng)
	}
	return m, nil
}

func (m *MLP) Forward(x *ml.Tensor) *ml.Tensor {
	if m.Gate != nil {
		return m.Down.Forward(m.act(m.Gate.Forward(x)).Mul(m.Up.Forward(x)))
	}
	return m.Down.Forward(m.act(m.Up.Forward(x)))
}

// Block is one decoder layer.
type Block struct {
	InputNorm Norm
	PostNorm  Norm // nil in the parallel topology
	Attention *SelfAttention
	MLP       *MLP

	residual ResidualKind
	dropout  float32
}

func newBlock(cfg *Config, rotary *nn.Rotary, rng *nn.Stream) (*Block, error) {
	mlp, err := newMLP(cfg, rng)
	if err != nil {
		return nil, err
	}
	b := &Block{
		InputNorm: newNorm(cfg),
		Attention: newSelfAttention(cfg, rotary, rng),
		MLP:       mlp,
		residual:  cfg.Traits.Residual,
		dropout:   cfg.ResidDropout,
	}
	if cfg.Traits.Residual == ResidualSequential || cfg.Traits.ParallelNorms {
		b.PostNorm = newNorm(cfg)
	}
	return b, nil
}

// Forward applies the block. Sequential topology norms twice and adds
// the residual after each sub-layer; parallel topology norms once and
// adds attention and MLP outputs together.
func (b *Block) Forward(x *ml.Tensor, fc *forwardPass, cache *kvcache.Cache) (*ml.Tensor, error) {
	if b.residual == ResidualParallel {
		h := b.InputNorm.Forward(x)
		attnOut, err := b.Attention.Forward(h, fc, cache)
		if err != nil {
			return nil, err
		}
		mlpIn := h
		if b.PostNorm != nil {
			mlpIn = b.PostNorm.Forward(x)
		}
		mlpOut := b.MLP.Forward(mlpIn)
		return x.Add(b.drop(attnOut, fc)).Add(b.drop(mlpOut, fc)), nil
	}

	attnOut, err := b.Attention.Forward(b.InputNorm.Forward(x), fc, cache)
	if err != nil {
		return nil, err
	}
	x = x.Add(b.drop(attnOut, fc))
	mlpOut := b.MLP.Forward(b.PostNorm.Forward(x))
	return x.Add(b.drop(mlpOut, fc)), nil
}

func (b *Block) drop(t *ml.Tensor, fc *forwardPass) *ml.Tensor {
	if fc.deterministic || b.dropout <= 0 {
		return t
	}
	return nn.Dropout(t, b.dropout, fc.streams.Named("dropout"))
}
