// Package gptneox - GPT-NeoX-Architektur
// Dieses Modul registriert GPT-NeoX: paralleler Residual-Block mit zwei
// Normen, fusionierte QKV-Projektion und partielle Standard-Rotation
// über ein Viertel der Kopfbreite.
package gptneox

import (
	"regexp"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

func init() {
	model.Register("gpt_neox", model.Entry{
		NewConfig: NewConfig,
		NewModel:  transformer.New,
		Convert:   Convert,
	})
}

// NewConfig is the 20B preset: head width 96, rotary over the first 24
// channels (rotary percentage 0.25).
func NewConfig() *transformer.Config {
	return &transformer.Config{
		ModelType:        "gpt_neox",
		VocabSize:        50432,
		HiddenSize:       6144,
		NumLayers:        44,
		NumHeads:         64,
		IntermediateSize: 24576,
		MaxPositions:     2048,
		RopeTheta:        10000,
		RotaryDim:        24,
		LayerNormEps:     1e-5,
		Activation:       "gelu",
		InitializerRange: 0.02,
		Traits: transformer.Traits{
			Rotary:         nn.RotaryStandard,
			Norm:           transformer.NormLayerNorm,
			Residual:       transformer.ResidualParallel,
			ParallelNorms:  true,
			FusedQKV:       true,
			ProjectionBias: true,
		},
	}
}

var renames = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`^gpt_neox\.embed_in\.`), "embed_tokens."},
	{regexp.MustCompile(`^gpt_neox\.final_layer_norm\.`), "final_norm."},
	{regexp.MustCompile(`^gpt_neox\.layers\.`), "layers."},
	{regexp.MustCompile(`^embed_out\.`), "lm_head."},
	{regexp.MustCompile(`\.attention\.query_key_value\.`), ".attention.qkv_proj."},
	{regexp.MustCompile(`\.attention\.dense\.`), ".attention.o_proj."},
	{regexp.MustCompile(`\.input_layernorm\.`), ".input_norm."},
	{regexp.MustCompile(`\.post_attention_layernorm\.`), ".post_norm."},
	{regexp.MustCompile(`\.mlp\.dense_h_to_4h\.`), ".mlp.up_proj."},
	{regexp.MustCompile(`\.mlp\.dense_4h_to_h\.`), ".mlp.down_proj."},
}

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
