// Package mistral - Mistral-Architektur
// Dieses Modul registriert Mistral: RMSNorm, Standard-Rotary,
// Grouped-Query-Attention mit 8 KV-Köpfen, Gated-SiLU-MLP und
// Sliding-Window-Maske.
package mistral

import (
	"regexp"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

func init() {
	model.Register("mistral", model.Entry{
		NewConfig: NewConfig,
		NewModel:  transformer.New,
		Convert:   Convert,
	})
}

// NewConfig is the 7B preset.
func NewConfig() *transformer.Config {
	return &transformer.Config{
		ModelType:        "mistral",
		VocabSize:        32000,
		HiddenSize:       4096,
		NumLayers:        32,
		NumHeads:         32,
		NumKVHeads:       8,
		IntermediateSize: 14336,
		MaxPositions:     32768,
		RopeTheta:        10000,
		SlidingWindow:    4096,
		RMSNormEps:       1e-5,
		Activation:       "silu",
		InitializerRange: 0.02,
		Traits: transformer.Traits{
			Rotary:   nn.RotaryStandard,
			Norm:     transformer.NormRMSNorm,
			Residual: transformer.ResidualSequential,
			GatedMLP: true,
		},
	}
}

var renames = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`^model\.norm\.`), "final_norm."},
	{regexp.MustCompile(`^model\.`), ""},
	{regexp.MustCompile(`\.self_attn\.`), ".attention."},
	{regexp.MustCompile(`\.input_layernorm\.`), ".input_norm."},
	{regexp.MustCompile(`\.post_attention_layernorm\.`), ".post_norm."},
}

// Convert maps the reference parameter names onto the engine's layout
// and delegates the tensor-level rules to the shared converter.
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
