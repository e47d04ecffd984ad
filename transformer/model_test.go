// Modul: model_test.go
// Beschreibung: End-to-End-Tests der Block-Engine: Cache-Kursor,
// Determinismus, Übereinstimmung von inkrementellem und vollem
// Durchlauf, Gewichtsbindung.
package transformer

import (
	"errors"
	"math"
	"testing"

	"github.com/meshlm/meshlm/kvcache"
	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
)

// toyConfig: 2 Schichten, 4 Köpfe, Kopfbreite 8.
func toyConfig() *Config {
	return &Config{
		ModelType:        "toy",
		VocabSize:        50,
		HiddenSize:       32,
		NumLayers:        2,
		NumHeads:         4,
		IntermediateSize: 64,
		MaxPositions:     16,
		Activation:       "gelu",
		InitializerRange: 0.02,
		Traits: Traits{
			Rotary:   nn.RotaryStandard,
			Norm:     NormLayerNorm,
			Residual: ResidualSequential,
		},
	}
}

func newToyModel(t *testing.T, cfg *Config, seed uint64) *Model {
	t.Helper()
	m, err := New(cfg, ml.NewDevicePool(ml.PlatformGPU, 1), seed)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func tensorMaxDiff(a, b *ml.Tensor) float64 {
	var worst float64
	av, bv := a.Floats(), b.Floats()
	for i := range av {
		if d := math.Abs(float64(av[i] - bv[i])); d > worst {
			worst = d
		}
	}
	return worst
}

func TestDecodeCursorAndDeterminism(t *testing.T) {
	prompt := [][]int32{{3, 17, 42}}

	// Prompt (Länge 3) plus zwei Decode-Schritte: Kursor muss auf 5
	// stehen.
	m := newToyModel(t, toyConfig(), 7)
	caches := m.NewCaches()
	positions := [][]int32{{0, 1, 2}}
	logits, err := m.Forward(prompt, positions, nil, caches, true)
	if err != nil {
		t.Fatal(err)
	}
	step4 := argmaxLast(logits)
	logits, err = m.Forward([][]int32{{step4[0]}}, [][]int32{{3}}, nil, caches, true)
	if err != nil {
		t.Fatal(err)
	}
	step5 := argmaxLast(logits)
	logits, err = m.Forward([][]int32{{step5[0]}}, [][]int32{{4}}, nil, caches, true)
	if err != nil {
		t.Fatal(err)
	}
	if caches[0].Index() != 5 {
		t.Errorf("erwartet Kursor 5 nach 3+2 Schritten, bekam %d", caches[0].Index())
	}

	// Gleiche Gewichte, gleicher Seed: identische Logits.
	m2 := newToyModel(t, toyConfig(), 7)
	seqs, err := m.Generate(prompt, 2)
	if err != nil {
		t.Fatal(err)
	}
	seqs2, err := m2.Generate(prompt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs[0]) != 5 {
		t.Fatalf("erwartet Sequenzlänge 5, bekam %d", len(seqs[0]))
	}
	for i := range seqs[0] {
		if seqs[0][i] != seqs2[0][i] {
			t.Fatalf("erwartet deterministische Generierung, Abweichung an Position %d: %d != %d",
				i, seqs[0][i], seqs2[0][i])
		}
	}
}

func TestIncrementalMatchesFullPass(t *testing.T) {
	m := newToyModel(t, toyConfig(), 11)
	ids := [][]int32{{5, 9, 13, 21}}

	full, err := m.Forward(ids, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	caches := m.NewCaches()
	var last *ml.Tensor
	for i := 0; i < 4; i++ {
		last, err = m.Forward(
			[][]int32{{ids[0][i]}},
			[][]int32{{int32(i)}},
			nil, caches, true,
		)
		if err != nil {
			t.Fatalf("Schritt %d: %v", i, err)
		}
		// Der inkrementelle Schritt muss den vollen Durchlauf an
		// derselben Position reproduzieren.
		want := full.SliceDim(1, i, i+1)
		if d := tensorMaxDiff(want, last); d > 1e-3 {
			t.Errorf("Schritt %d: max. Abweichung %g zum vollen Durchlauf", i, d)
		}
	}
}

func TestCacheOverflowIsFatal(t *testing.T) {
	cfg := toyConfig()
	cfg.MaxPositions = 4
	// Ohne Rotationstabelle erreicht der überlaufende Schritt den
	// Cache, statt vorher an der Positionsprüfung zu scheitern.
	cfg.Traits.Rotary = nn.RotaryNone
	m := newToyModel(t, cfg, 3)

	caches := m.NewCaches()
	_, err := m.Forward([][]int32{{1, 2, 3}}, [][]int32{{0, 1, 2}}, nil, caches, true)
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Forward([][]int32{{4, 5}}, [][]int32{{3, 4}}, nil, caches, true)
	if !errors.Is(err, kvcache.ErrCacheOverflow) {
		t.Errorf("erwartet ErrCacheOverflow, bekam: %v", err)
	}
}

func TestPositionsRequiredWhileCacheActive(t *testing.T) {
	m := newToyModel(t, toyConfig(), 3)
	_, err := m.Forward([][]int32{{1, 2}}, nil, nil, m.NewCaches(), true)
	if !errors.Is(err, kvcache.ErrPositionsRequired) {
		t.Errorf("erwartet ErrPositionsRequired, bekam: %v", err)
	}
}

func TestTiedEmbeddingsShareStorage(t *testing.T) {
	cfg := toyConfig()
	cfg.Traits.TiedEmbeddings = true
	m := newToyModel(t, cfg, 5)

	if m.LMHead != nil {
		t.Fatal("erwartet keinen separaten Ausgabekopf bei gebundenen Embeddings")
	}
	if _, ok := m.Parameters()["lm_head/kernel"]; ok {
		t.Error("erwartet lm_head nicht im Parameterbaum")
	}

	before, err := m.Forward([][]int32{{1, 2}}, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	// Eine Änderung der Embedding-Tabelle muss die Logits sofort
	// mitbewegen: es gibt nur einen Tensor.
	m.Embed.Weight.Floats()[0] += 1
	after, err := m.Forward([][]int32{{1, 2}}, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if tensorMaxDiff(before, after) == 0 {
		t.Error("erwartet veränderte Logits nach Embedding-Änderung")
	}
}

func TestLoadParametersRoundTrip(t *testing.T) {
	m1 := newToyModel(t, toyConfig(), 21)
	m2 := newToyModel(t, toyConfig(), 22)

	if err := m2.LoadParameters(m1.Parameters()); err != nil {
		t.Fatal(err)
	}
	ids := [][]int32{{7, 8, 9}}
	a, err := m1.Forward(ids, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m2.Forward(ids, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if d := tensorMaxDiff(a, b); d != 0 {
		t.Errorf("erwartet identische Logits nach Gewichtsübernahme, max. Abweichung %g", d)
	}
}

func TestLoadParametersRejectsUnknownPath(t *testing.T) {
	m := newToyModel(t, toyConfig(), 1)
	tree := m.Parameters()
	tree["layers/9/attention/q_proj/kernel"] = ml.Zeros(ml.DTypeF32, 32, 32)
	if err := m.LoadParameters(tree); err == nil {
		t.Fatal("erwartet Fehler für unbekannten Parameterpfad, bekam nil")
	}
}

func TestApplyPartitionPlanAnnotates(t *testing.T) {
	m := newToyModel(t, toyConfig(), 1)
	if err := m.ApplyPartitionPlan(false); err != nil {
		t.Fatal(err)
	}
	embed := m.Parameters()["embed_tokens/embedding"]
	if embed.Sharding() == nil {
		t.Error("erwartet Sharding-Annotation auf der Embedding-Tabelle")
	}
}

func TestGatedParallelAlibiVariant(t *testing.T) {
	// Die Traits decken auch die parallele Topologie mit Alibi ab
	// (Falcon-artig): ein Durchlauf muss fehlerfrei Form halten.
	cfg := toyConfig()
	cfg.Traits = Traits{
		Rotary:   nn.RotaryNone,
		Norm:     NormLayerNorm,
		Residual: ResidualParallel,
		Alibi:    true,
		FusedQKV: true,
		GatedMLP: true,
	}
	m := newToyModel(t, cfg, 9)
	logits, err := m.Forward([][]int32{{1, 2, 3, 4}}, nil, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := logits.Shape(); got[0] != 1 || got[1] != 4 || got[2] != 50 {
		t.Errorf("erwartet Form [1 4 50], bekam %v", got)
	}
}
