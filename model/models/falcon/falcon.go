// Package falcon - Falcon-Architektur
// Dieses Modul registriert Falcon: paralleler Residual-Block mit einer
// Norm, fusionierte QKV-Projektion, Multi-Query-Attention und gebundene
// Embeddings. Die 7B-Voreinstellung nutzt Rotary; die Alibi-Variante
// wird über die Traits geschaltet.
package falcon

import (
	"regexp"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

func init() {
	model.Register("falcon", model.Entry{
		NewConfig: NewConfig,
		NewModel:  transformer.New,
		Convert:   Convert,
	})
}

// NewConfig is the 7B preset: multi-query attention with a single
// key/value head.
func NewConfig() *transformer.Config {
	return &transformer.Config{
		ModelType:        "falcon",
		VocabSize:        65024,
		HiddenSize:       4544,
		NumLayers:        32,
		NumHeads:         71,
		NumKVHeads:       1,
		IntermediateSize: 18176,
		MaxPositions:     2048,
		RopeTheta:        10000,
		LayerNormEps:     1e-5,
		Activation:       "gelu",
		InitializerRange: 0.02,
		Traits: transformer.Traits{
			Rotary:         nn.RotaryStandard,
			Norm:           transformer.NormLayerNorm,
			Residual:       transformer.ResidualParallel,
			FusedQKV:       true,
			TiedEmbeddings: true,
		},
	}
}

// NewAlibiConfig is the variant trained with the linear distance
// penalty instead of rotation.
func NewAlibiConfig() *transformer.Config {
	cfg := NewConfig()
	cfg.Traits.Rotary = nn.RotaryNone
	cfg.Traits.Alibi = true
	return cfg
}

var renames = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`^transformer\.word_embeddings\.`), "embed_tokens."},
	{regexp.MustCompile(`^transformer\.ln_f\.`), "final_norm."},
	{regexp.MustCompile(`^transformer\.h\.`), "layers."},
	{regexp.MustCompile(`\.self_attention\.query_key_value\.`), ".attention.qkv_proj."},
	{regexp.MustCompile(`\.self_attention\.dense\.`), ".attention.o_proj."},
	{regexp.MustCompile(`\.mlp\.dense_h_to_4h\.`), ".mlp.up_proj."},
	{regexp.MustCompile(`\.mlp\.dense_4h_to_h\.`), ".mlp.down_proj."},
	{regexp.MustCompile(`\.input_layernorm\.`), ".input_norm."},
}

// Convert maps the reference names onto the engine layout. With tied
// embeddings the checkpoints carry no output head; the embedding table
// serves both ends.
func Convert(stateDict map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
	renamed := make(map[string]*ml.Tensor, len(stateDict))
	for key, t := range stateDict {
		for _, r := range renames {
			key = r.re.ReplaceAllString(key, r.to)
		}
		renamed[key] = t
	}
	tree, err := transform.FromTorch(renamed, "embed_tokens")
	if err != nil {
		return nil, err
	}
	return tree.Flatten(), nil
}
