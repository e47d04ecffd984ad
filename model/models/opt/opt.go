// Package opt - OPT-Architektur
// Dieses Modul registriert OPT: gelernte Positions-Embeddings statt
// Rotation, ReLU-MLP, Projektions-Bias und gebundene Embeddings.
package opt

import (
	"regexp"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

func init() {
	model.Register("opt", model.Entry{
		NewConfig: NewConfig,
		NewModel:  transformer.New,
		Convert:   Convert,
	})
}

// NewConfig is the 1.3B preset.
func NewConfig() *transformer.Config {
	return &transformer.Config{
		ModelType:        "opt",
		VocabSize:        50272,
		HiddenSize:       2048,
		NumLayers:        24,
		NumHeads:         32,
		IntermediateSize: 8192,
		MaxPositions:     2048,
		LayerNormEps:     1e-5,
		Activation:       "relu",
		InitializerRange: 0.02,
		Traits: transformer.Traits{
			Rotary:           nn.RotaryNone,
			LearnedPositions: true,
			Norm:             transformer.NormLayerNorm,
			Residual:         transformer.ResidualSequential,
			ProjectionBias:   true,
			TiedEmbeddings:   true,
		},
	}
}

var renames = []struct {
	re *regexp.Regexp
	to string
}{
	{regexp.MustCompile(`^model\.decoder\.embed_tokens\.`), "embed_tokens."},
	{regexp.MustCompile(`^model\.decoder\.embed_positions\.`), "embed_positions."},
	{regexp.MustCompile(`^model\.decoder\.final_layer_norm\.`), "final_norm."},
	{regexp.MustCompile(`^model\.decoder\.layers\.`), "layers."},
	{regexp.MustCompile(`\.self_attn\.`), ".attention."},
	{regexp.MustCompile(`\.attention\.out_proj\.`), ".attention.o_proj."},
	{regexp.MustCompile(`\.self_attn_layer_norm\.`), ".input_norm."},
	{regexp.MustCompile(`\.final_layer_norm\.`), ".post_norm."},
	{regexp.MustCompile(`\.fc1\.`), ".mlp.up_proj."},
	{regexp.MustCompile(`\.fc2\.`), ".mlp.down_proj."},
}

// Convert maps the reference names onto the engine layout. The decoder
// prefix rules run before the per-layer ones so the model-level final
// norm is not mistaken for a layer's post norm. Both embedding tables
// keep their orientation.
func Convert(stateDict map[string]*ml.Tensor) (map[string]*ml.Tensor, error) {
	renamed := make(map[string]*ml.Tensor, len(stateDict))
	for key, t := range stateDict {
		for _, r := range renames {
			key = r.re.ReplaceAllString(key, r.to)
		}
		renamed[key] = t
	}
	tree, err := transform.FromTorch(renamed, "embed_")
	if err != nil {
		return nil, err
	}
	return tree.Flatten(), nil
}
