// Modul: model.go
// Beschreibung: Kausales Sprachmodell über der generischen Block-Engine.
// Hält Embedding, Blöcke, Endnormierung und den Ausgabekopf; der Cache
// wird explizit pro Schicht durchgereicht statt über globalen Zustand.
package transformer

import (
	"fmt"
	"log/slog"

	"github.com/meshlm/meshlm/attention"
	"github.com/meshlm/meshlm/kvcache"
	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/ml/sharding"
)

// Model is a causal decoder language model.
type Model struct {
	Config *Config

	Embed *nn.Embedding
	// PosEmbed is the trained position table for LearnedPositions
	// architectures, nil otherwise.
	PosEmbed  *nn.Embedding
	Blocks    []*Block
	FinalNorm Norm
	// LMHead is nil with tied embeddings: logits then read the
	// embedding table itself, never a copy.
	LMHead *nn.Linear

	rotary  *nn.Rotary
	causal  *ml.Tensor
	mesh    *sharding.Mesh
	streams *nn.Streams
}

// New builds a model with randomly initialized weights drawn from the
// "params" stream of the given seed. The mesh comes from the config's
// own axis fields and the supplied device pool.
func New(cfg *Config, pool *ml.DevicePool, seed uint64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyShardingArgs()

	mesh, err := cfg.Mesh(pool)
	if err != nil {
		return nil, err
	}

	streams := nn.NewStreams(seed)
	params := streams.Named("params")

	var rotary *nn.Rotary
	if cfg.Traits.Rotary != nn.RotaryNone {
		rotary, err = nn.NewRotary(cfg.Traits.Rotary, cfg.MaxPositions, cfg.HeadDim(), cfg.RotaryDim, cfg.Theta())
		if err != nil {
			return nil, err
		}
	}

	m := &Model{
		Config:    cfg,
		Embed:     nn.NewEmbedding(cfg.VocabSize, cfg.HiddenSize, cfg.InitializerRange, params),
		FinalNorm: newNorm(cfg),
		rotary:    rotary,
		causal:    nn.SlidingWindowCausalMask(cfg.MaxPositions, cfg.SlidingWindow),
		mesh:      mesh,
		streams:   streams,
	}
	if cfg.Traits.LearnedPositions {
		m.PosEmbed = nn.NewEmbedding(cfg.MaxPositions, cfg.HiddenSize, cfg.InitializerRange, params)
	}
	for i := 0; i < cfg.NumLayers; i++ {
		blk, err := newBlock(cfg, rotary, params)
		if err != nil {
			return nil, err
		}
		m.Blocks = append(m.Blocks, blk)
	}
	if !cfg.Traits.TiedEmbeddings {
		m.LMHead = nn.NewLinear(cfg.HiddenSize, cfg.VocabSize, cfg.InitializerRange, params)
	}

	slog.Debug("initialized model",
		"type", cfg.ModelType,
		"layers", cfg.NumLayers,
		"hidden", cfg.HiddenSize,
		"heads", cfg.NumHeads,
		"kv_heads", cfg.KVHeads(),
		"tied", cfg.Traits.TiedEmbeddings,
		"devices", pool.Count())
	return m, nil
}

// Mesh returns the model's device mesh.
func (m *Model) Mesh() *sharding.Mesh { return m.mesh }

// NewCaches allocates one uninitialized cache per layer. A generation
// session owns its caches; a new session allocates fresh ones.
func (m *Model) NewCaches() []*kvcache.Cache {
	caches := make([]*kvcache.Cache, len(m.Blocks))
	for i := range caches {
		caches[i] = kvcache.NewCausal(ml.DTypeF32)
	}
	return caches
}

// Forward computes logits [batch, seq, vocab]. With caches the call is
// one decode step: the step's key/value slices land at each layer's
// cursor and positions are mandatory. Without caches it is a plain full
// pass and positions default to 0..seq-1.
func (m *Model) Forward(ids, positions [][]int32, mask *ml.Tensor, caches []*kvcache.Cache, deterministic bool) (*ml.Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, fmt.Errorf("transformer: empty input")
	}
	batch, seq := len(ids), len(ids[0])
	if seq > m.Config.MaxPositions {
		return nil, fmt.Errorf("transformer: sequence length %d exceeds max positions %d", seq, m.Config.MaxPositions)
	}

	if caches != nil {
		if len(caches) != len(m.Blocks) {
			return nil, fmt.Errorf("transformer: %d caches for %d layers", len(caches), len(m.Blocks))
		}
		if positions == nil {
			return nil, fmt.Errorf("transformer: %w", kvcache.ErrPositionsRequired)
		}
		for _, c := range caches {
			if c.Active() {
				continue
			}
			if err := c.Init(batch, m.Config.MaxPositions, m.Config.KVHeads(), m.Config.HeadDim()); err != nil {
				return nil, err
			}
		}
	}
	if positions == nil {
		positions = make([][]int32, batch)
		for b := range positions {
			positions[b] = make([]int32, seq)
			for i := range positions[b] {
				positions[b][i] = int32(i)
			}
		}
	}

	fc := &forwardPass{
		positions:     positions,
		causal:        m.causal,
		callerMask:    mask,
		deterministic: deterministic,
		streams:       m.streams,
		opts: attention.Options{
			Platform:   m.Config.Platform,
			UseFlash:   m.Config.UseFlash,
			Mesh:       m.mesh,
			QuerySpec:  m.Config.QuerySpec,
			KeySpec:    m.Config.KeySpec,
			ValueSpec:  m.Config.ValueSpec,
			BiasSpec:   m.Config.BiasSpec,
			OutputSpec: m.Config.OutputSpec,
			BlockQ:     m.Config.BlockQ,
			BlockK:     m.Config.BlockK,
		},
	}
	if m.Config.Traits.Alibi {
		fc.alibi = m.alibiBias(batch, seq, caches)
	}

	hidden := m.Embed.Forward(ids)
	if m.PosEmbed != nil {
		hidden = hidden.Add(m.PosEmbed.Forward(positions))
	}
	var err error
	for i, blk := range m.Blocks {
		var cache *kvcache.Cache
		if caches != nil {
			cache = caches[i]
		}
		if hidden, err = blk.Forward(hidden, fc, cache); err != nil {
			return nil, fmt.Errorf("transformer: layer %d: %w", i, err)
		}
	}
	hidden = m.FinalNorm.Forward(hidden)

	if m.LMHead != nil {
		return m.LMHead.Forward(hidden), nil
	}
	flat := hidden.Reshape(batch*seq, m.Config.HiddenSize)
	return flat.MatmulT(m.Embed.Weight).Reshape(batch, seq, m.Config.VocabSize), nil
}

// alibiBias builds the distance penalty for this step. The key length
// is the cache capacity during decode and the step length otherwise;
// valid positions run up to the cursor after this step's write.
func (m *Model) alibiBias(batch, seq int, caches []*kvcache.Cache) *ml.Tensor {
	kvLen, validTo := seq, seq
	if caches != nil {
		kvLen = m.Config.MaxPositions
		validTo = caches[0].Index() + seq
	}
	valid := ml.Zeros(ml.DTypeF32, batch, kvLen)
	data := valid.Floats()
	for b := 0; b < batch; b++ {
		for p := 0; p < validTo && p < kvLen; p++ {
			data[b*kvLen+p] = 1
		}
	}
	return nn.AlibiBias(valid, m.Config.NumHeads)
}

// slots maps flattened parameter paths to the storage locations holding
// them, so loading can swap tensors in place.
func (m *Model) slots() map[string]**ml.Tensor {
	s := make(map[string]**ml.Tensor)
	add := func(path string, slot **ml.Tensor) {
		if *slot != nil {
			s[path] = slot
		}
	}
	addNorm := func(prefix string, n Norm) {
		switch n := n.(type) {
		case *nn.LayerNorm:
			add(prefix+"/weight", &n.Weight)
			add(prefix+"/bias", &n.Bias)
		case *nn.RMSNorm:
			add(prefix+"/weight", &n.Weight)
		}
	}
	addLinear := func(prefix string, l *nn.Linear) {
		if l == nil {
			return
		}
		add(prefix+"/kernel", &l.Kernel)
		add(prefix+"/bias", &l.Bias)
	}

	add("embed_tokens/embedding", &m.Embed.Weight)
	if m.PosEmbed != nil {
		add("embed_positions/embedding", &m.PosEmbed.Weight)
	}
	for i, blk := range m.Blocks {
		base := fmt.Sprintf("layers/%d", i)
		addNorm(base+"/input_norm", blk.InputNorm)
		if blk.PostNorm != nil {
			addNorm(base+"/post_norm", blk.PostNorm)
		}
		addLinear(base+"/attention/qkv_proj", blk.Attention.Fused)
		addLinear(base+"/attention/q_proj", blk.Attention.Query)
		addLinear(base+"/attention/k_proj", blk.Attention.Key)
		addLinear(base+"/attention/v_proj", blk.Attention.Value)
		addLinear(base+"/attention/o_proj", blk.Attention.Output)
		addLinear(base+"/mlp/up_proj", blk.MLP.Up)
		addLinear(base+"/mlp/gate_proj", blk.MLP.Gate)
		addLinear(base+"/mlp/down_proj", blk.MLP.Down)
	}
	addNorm("final_norm", m.FinalNorm)
	addLinear("lm_head", m.LMHead)
	return s
}

// Parameters returns the flattened parameter tree keyed by slash paths.
// With tied embeddings the output head does not appear: it is the
// embedding table.
func (m *Model) Parameters() map[string]*ml.Tensor {
	out := make(map[string]*ml.Tensor)
	for path, slot := range m.slots() {
		out[path] = *slot
	}
	return out
}

// LoadParameters replaces every parameter from the flattened tree.
// Missing or unknown paths and shape mismatches are errors.
func (m *Model) LoadParameters(tree map[string]*ml.Tensor) error {
	slots := m.slots()
	for path, slot := range slots {
		t, ok := tree[path]
		if !ok {
			return fmt.Errorf("transformer: parameter %q missing from weight tree", path)
		}
		if !t.SameShape(*slot) {
			return fmt.Errorf("transformer: parameter %q has shape %v, want %v", path, t.Shape(), (*slot).Shape())
		}
		*slot = t
	}
	for path := range tree {
		if _, ok := slots[path]; !ok {
			return fmt.Errorf("transformer: unknown parameter %q in weight tree", path)
		}
	}
	return nil
}

// ApplyPartitionPlan resolves the config's partition rules against the
// parameter tree and annotates every tensor with its spec. Specs naming
// axes the mesh does not declare degrade to unsharded.
func (m *Model) ApplyPartitionPlan(fullyFSDP bool) error {
	params := m.Parameters()
	paths := make([]string, 0, len(params))
	for path := range params {
		paths = append(paths, path)
	}
	rules := m.Config.PartitionRules(fullyFSDP)
	plan, err := rules.Plan(paths)
	if err != nil {
		return err
	}
	for path, spec := range plan {
		sharding.WithConstraint(params[path], spec, m.mesh)
	}
	return nil
}
