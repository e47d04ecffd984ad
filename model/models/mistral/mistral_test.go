// Modul: mistral_test.go
// Beschreibung: Konverter-Roundtrip gegen eine verkleinerte
// Mistral-Konfiguration: Referenznamen und -orientierung hinein,
// identische Logits heraus.
package mistral

import (
	"math"
	"strings"
	"testing"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/transformer"
)

func tinyConfig() *transformer.Config {
	cfg := NewConfig()
	cfg.VocabSize = 13
	cfg.HiddenSize = 8
	cfg.NumLayers = 2
	cfg.NumHeads = 2
	cfg.NumKVHeads = 1
	cfg.IntermediateSize = 16
	cfg.MaxPositions = 12
	cfg.SlidingWindow = 0
	return cfg
}

// refName kehrt die Umbenennung um: meshlm-Pfad -> Referenzname.
func refName(path string) string {
	name := strings.ReplaceAll(path, "/", ".")
	name = strings.ReplaceAll(name, "attention.", "self_attn.")
	name = strings.ReplaceAll(name, "input_norm.", "input_layernorm.")
	name = strings.ReplaceAll(name, "post_norm.", "post_attention_layernorm.")
	name = strings.ReplaceAll(name, ".kernel", ".weight")
	switch {
	case strings.HasPrefix(name, "embed_tokens."):
		return "model.embed_tokens.weight"
	case strings.HasPrefix(name, "final_norm."):
		return strings.Replace(name, "final_norm.", "model.norm.", 1)
	case strings.HasPrefix(name, "lm_head."):
		return name
	default:
		return "model." + name
	}
}

func TestConvertRoundTrip(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformGPU, 1)
	src, err := transformer.New(tinyConfig(), pool, 31)
	if err != nil {
		t.Fatal(err)
	}

	// Referenz-State-Dict fabrizieren: Kernel zurücktransponieren,
	// Embedding-Orientierung behalten.
	stateDict := make(map[string]*ml.Tensor)
	for path, tensor := range src.Parameters() {
		ref := tensor
		if strings.HasSuffix(path, "/kernel") {
			ref = tensor.Permute(1, 0)
		}
		stateDict[refName(path)] = ref
	}

	flat, err := Convert(stateDict)
	if err != nil {
		t.Fatal(err)
	}

	dst, err := transformer.New(tinyConfig(), pool, 99)
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.LoadParameters(flat); err != nil {
		t.Fatal(err)
	}

	ids := [][]int32{{1, 5, 9}}
	want, err := src.Forward(ids, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dst.Forward(ids, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	var worst float64
	for i, v := range want.Floats() {
		if d := math.Abs(float64(v - got.Floats()[i])); d > worst {
			worst = d
		}
	}
	if worst != 0 {
		t.Errorf("erwartet identische Logits nach Konvertierung, max. Abweichung %g", worst)
	}
}
