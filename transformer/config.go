// Modul: config.go
// Beschreibung: Konfigurationsobjekt eines Decoder-Modells. Trägt die
// Hyperparameter, die Achsen des Gerätegitters und die Partition-Specs
// der Attention-Operanden. Referenz-Configs werden per JSON übernommen
// und anschließend einmalig um die Sharding-Felder ergänzt.
package transformer

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/ml/sharding"
)

// RulesFunc builds the ordered partition rules of an architecture.
type RulesFunc func(fullyFSDP bool) sharding.Rules

// Config describes one decoder model: architecture dimensions, traits,
// and the sharding surface. JSON tags follow the reference framework's
// config.json naming so converted configs unmarshal directly.
type Config struct {
	ModelType        string  `json:"model_type"`
	VocabSize        int     `json:"vocab_size"`
	HiddenSize       int     `json:"hidden_size"`
	NumLayers        int     `json:"num_hidden_layers"`
	NumHeads         int     `json:"num_attention_heads"`
	NumKVHeads       int     `json:"num_key_value_heads"`
	IntermediateSize int     `json:"intermediate_size"`
	MaxPositions     int     `json:"max_position_embeddings"`
	RopeTheta        float64 `json:"rope_theta"`
	RotaryDim        int     `json:"rotary_dim"`
	SlidingWindow    int     `json:"sliding_window"`
	LayerNormEps     float32 `json:"layer_norm_epsilon"`
	RMSNormEps       float32 `json:"rms_norm_eps"`
	Activation       string  `json:"hidden_act"`
	AttnDropout      float32 `json:"attention_dropout"`
	ResidDropout     float32 `json:"resid_pdrop"`
	InitializerRange float64 `json:"initializer_range"`

	Traits Traits `json:"-"`

	// Mesh axes. AxisDims may contain one -1 slot resolved against the
	// device pool.
	AxisDims  []int    `json:"-"`
	AxisNames []string `json:"-"`

	// Partition specs of the attention operands in the kernel layout
	// [batch, heads, seq, headDim].
	QuerySpec  sharding.Spec `json:"-"`
	KeySpec    sharding.Spec `json:"-"`
	ValueSpec  sharding.Spec `json:"-"`
	BiasSpec   sharding.Spec `json:"-"`
	OutputSpec sharding.Spec `json:"-"`

	// Platform and kernel options for the attention dispatcher.
	Platform ml.Platform `json:"-"`
	UseFlash bool        `json:"-"`
	BlockQ   int         `json:"-"`
	BlockK   int         `json:"-"`

	// Rules overrides the default partition rules for architectures
	// whose parameter layout deviates from the shared one.
	Rules RulesFunc `json:"-"`

	shardingApplied bool
}

// FromJSON adapts a reference-framework config. Matching fields copy
// over; everything sharding-related is filled afterwards by
// ApplyShardingArgs.
func FromJSON(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("transformer: decoding reference config: %w", err)
	}
	return &c, nil
}

// HeadDim is the per-head width.
func (c *Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

// KVHeads returns the key/value head count; zero means full multi-head.
func (c *Config) KVHeads() int {
	if c.NumKVHeads <= 0 {
		return c.NumHeads
	}
	return c.NumKVHeads
}

// Theta returns the rotary frequency base, defaulting to 10000.
func (c *Config) Theta() float64 {
	if c.RopeTheta == 0 {
		return 10000
	}
	return c.RopeTheta
}

// NormEps picks the epsilon matching the configured norm kind.
func (c *Config) NormEps() float32 {
	eps := c.LayerNormEps
	if c.Traits.Norm == NormRMSNorm {
		eps = c.RMSNormEps
	}
	if eps == 0 {
		eps = 1e-5
	}
	return eps
}

// Validate checks the dimension invariants before a model is built.
func (c *Config) Validate() error {
	if c.VocabSize < 1 || c.NumLayers < 1 || c.MaxPositions < 1 {
		return fmt.Errorf("transformer: config needs positive vocab/layers/positions, got %d/%d/%d",
			c.VocabSize, c.NumLayers, c.MaxPositions)
	}
	if c.NumHeads < 1 || c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("transformer: hidden size %d is not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.NumHeads%c.KVHeads() != 0 {
		return fmt.Errorf("transformer: %d kv heads do not divide %d heads", c.KVHeads(), c.NumHeads)
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.HeadDim() || c.RotaryDim%2 != 0 {
		return fmt.Errorf("transformer: rotary dim %d invalid for head dim %d", c.RotaryDim, c.HeadDim())
	}
	if c.Activation != "" {
		if _, err := nn.ActivationByName(c.Activation); err != nil {
			return fmt.Errorf("transformer: %w", err)
		}
	}
	return nil
}

// ApplyShardingArgs fills the sharding-related fields that are still
// unset. Calling it again never overwrites anything, so adapted configs
// survive repeated upgrades unchanged.
func (c *Config) ApplyShardingArgs() {
	if c.AxisDims == nil {
		c.AxisDims = slices.Clone(sharding.DefaultAxisDims[:])
	}
	if c.AxisNames == nil {
		c.AxisNames = slices.Clone(sharding.DefaultAxisNames[:])
	}
	batchAxes := sharding.Axes{"dp", "fsdp"}
	if c.QuerySpec == nil {
		c.QuerySpec = sharding.P(batchAxes, "mp", nil, nil)
	}
	if c.KeySpec == nil {
		c.KeySpec = sharding.P(batchAxes, "mp", nil, nil)
	}
	if c.ValueSpec == nil {
		c.ValueSpec = sharding.P(batchAxes, "mp", nil, nil)
	}
	if c.BiasSpec == nil {
		c.BiasSpec = sharding.P(batchAxes, "mp", nil, nil)
	}
	if c.OutputSpec == nil {
		c.OutputSpec = sharding.P(batchAxes, "mp", nil, nil)
	}
	c.shardingApplied = true
}

// Mesh builds the device mesh from the config's own axis fields.
func (c *Config) Mesh(pool *ml.DevicePool) (*sharding.Mesh, error) {
	if !c.shardingApplied {
		c.ApplyShardingArgs()
	}
	return sharding.NewMesh(c.AxisDims, c.AxisNames, pool)
}

// RNGKeys names the random channels a model draws from.
func (c *Config) RNGKeys() []string {
	return []string{"params", "dropout", "fcm"}
}

// WeightDecayExclusions lists parameter path patterns that optimizers
// should exempt from weight decay.
func (c *Config) WeightDecayExclusions() []string {
	return []string{`.*/bias`, `.*norm/weight`, `embed_tokens/embedding`}
}

// PartitionRules returns the ordered (pattern, spec) pairs applied
// first-match against flattened parameter paths. The list always ends
// in the '.*' catch-all. Architectures may override via the Rules
// field; fullyFSDP collapses every sharded axis onto the fsdp group.
func (c *Config) PartitionRules(fullyFSDP bool) sharding.Rules {
	if c.Rules != nil {
		return c.Rules(fullyFSDP)
	}
	return DefaultPartitionRules(fullyFSDP)
}

// DefaultPartitionRules is the shared parameter sharding layout:
// embeddings split vocab over tp and hidden over fsdp+mp,
// hidden-expanding projections shard their output axis over tp,
// hidden-contracting projections their input axis, norms replicate.
func DefaultPartitionRules(fullyFSDP bool) sharding.Rules {
	fsdp := sharding.Axes{"fsdp", "mp"}
	col := sharding.P(fsdp, "tp")
	row := sharding.P("tp", fsdp)
	embed := sharding.P("tp", fsdp)
	if fullyFSDP {
		col = sharding.P(fsdp)
		row = sharding.P(fsdp)
		embed = sharding.P(fsdp)
	}
	return sharding.Rules{
		sharding.NewRule(`(embed_tokens|embed_positions)/embedding`, embed),
		sharding.NewRule(`(q_proj|k_proj|v_proj|qkv_proj|up_proj|gate_proj)/kernel`, col),
		sharding.NewRule(`(o_proj|down_proj|lm_head)/kernel`, row),
		sharding.NewRule(`(input_norm|post_norm|final_norm)/(weight|bias)`, sharding.P(nil)),
		sharding.NewRule(`.*`, sharding.P(nil)),
	}
}

// String identifies the config in logs.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d layers, hidden %d, %d/%d heads, vocab %d",
		c.ModelType, c.NumLayers, c.HiddenSize, c.NumHeads, c.KVHeads(), c.VocabSize)
	return b.String()
}
