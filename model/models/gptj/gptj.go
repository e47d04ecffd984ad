// Package gptj - GPT-J-Architektur
// Dieses Modul registriert GPT-J: paralleler Residual-Block mit einer
// Norm, verschränkte Rotationskonvention mit partieller Rotationsbreite
// und separatem Ausgabekopf.
package gptj

import (
	"regexp"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

func init() {
	model.Register("gptj", model.Entry{
		NewConfig: NewConfig,
		NewModel:  transformer.New,
		Convert:   Convert,
	})
}

// NewConfig is the 6B preset. Only the first 64 of 256 head channels
// rotate, in the interleaved even/odd convention.
func NewConfig() *transformer.Config {
	return &transformer.Config{
		ModelType:        "gptj",
		VocabSize:        50400,
		HiddenSize:       4096,
		NumLayers:        28,
		NumHeads:         16,
		IntermediateSize: 16384,
		MaxPositions:     2048,
		RopeTheta:        10000,
		RotaryDim:        64,
		LayerNormEps:     1e-5,
		Activation:       "gelu_new",
		InitializerRange: 0.02,
		Traits: transformer.Traits{
			Rotary:         nn.RotaryInterleaved,
			Norm:           transformer.NormLayerNorm,
			Residual:       transformer.ResidualParallel,
			ProjectionBias: true,
		},
	}
}

var renames = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`^transformer\.wte\.`), "embed_tokens."},
	{regexp.MustCompile(`^transformer\.ln_f\.`), "final_norm."},
	{regexp.MustCompile(`^transformer\.h\.`), "layers."},
	{regexp.MustCompile(`\.attn\.`), ".attention."},
	{regexp.MustCompile(`\.attention\.out_proj\.`), ".attention.o_proj."},
	{regexp.MustCompile(`\.ln_1\.`), ".input_norm."},
	{regexp.MustCompile(`\.mlp\.fc_in\.`), ".mlp.up_proj."},
	{regexp.MustCompile(`\.mlp\.fc_out\.`), ".mlp.down_proj."},
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
