// Modul: checkpoint_test.go
// Beschreibung: Roundtrip-Tests des Checkpoint-Stroms inklusive
// Shard-Funktion und Dtype-Abstieg beim Schreiben.
package transform

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/sharding"
)

func TestCheckpointRoundTrip(t *testing.T) {
	flat := map[string]*ml.Tensor{
		"embed_tokens/embedding":          ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
		"layers/0/attention/q_proj/kernel": ml.FromFloats([]float32{0.5, -0.5, 1.5, -1.5}, 2, 2),
		"final_norm/weight":               ml.FromFloats([]float32{1, 1}, 2),
	}

	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, flat, nil, ml.DTypeOther); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCheckpoint(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(flat) {
		t.Fatalf("erwartet %d Einträge, bekam %d", len(flat), len(got))
	}
	for path, want := range flat {
		g := got[path]
		if g == nil {
			t.Fatalf("Pfad %q fehlt", path)
		}
		if !g.SameShape(want) {
			t.Fatalf("Pfad %q: Form %v, erwartet %v", path, g.Shape(), want.Shape())
		}
		for i, v := range want.Floats() {
			if g.Floats()[i] != v {
				t.Errorf("Pfad %q, Element %d: %v != %v", path, i, g.Floats()[i], v)
			}
		}
	}
}

func TestCheckpointShardFuncRunsPerKey(t *testing.T) {
	flat := map[string]*ml.Tensor{
		"a/kernel": ml.FromFloats([]float32{1, 2}, 2, 1),
		"b/bias":   ml.FromFloats([]float32{3}, 1),
	}
	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, flat, nil, ml.DTypeOther); err != nil {
		t.Fatal(err)
	}

	spec := sharding.P("fsdp")
	var seen []string
	got, err := ReadCheckpoint(&buf, func(key []string, tensor *ml.Tensor) *ml.Tensor {
		seen = append(seen, strings.Join(key, "/"))
		tensor.SetSharding(spec)
		return tensor
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("erwartet 2 Shard-Aufrufe, bekam %d (%v)", len(seen), seen)
	}
	if got["a/kernel"].Sharding() == nil {
		t.Error("erwartet Sharding-Annotation aus der Shard-Funktion")
	}
}

func TestCheckpointDowncastsFloats(t *testing.T) {
	v := float32(1.0 / 3.0)
	flat := map[string]*ml.Tensor{
		"w/kernel": ml.FromFloats([]float32{v}, 1, 1),
		"ids":      ml.FromInts([]int32{7}, 1),
	}
	var buf bytes.Buffer
	if err := WriteCheckpoint(&buf, flat, nil, ml.DTypeF16); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCheckpoint(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["w/kernel"].DType() != ml.DTypeF16 {
		t.Fatalf("erwartet f16 nach Abstieg, bekam %v", got["w/kernel"].DType())
	}
	// Halbgenauigkeit rundet 1/3 sichtbar.
	if diff := math.Abs(float64(got["w/kernel"].At(0, 0) - v)); diff == 0 || diff > 1e-3 {
		t.Errorf("erwartet f16-Rundung nahe %v, Abweichung %g", v, diff)
	}
	// Ganzzahlen bleiben vom Float-Abstieg unberührt.
	if got["ids"].DType() != ml.DTypeI32 || got["ids"].At(0) != 7 {
		t.Errorf("erwartet unveränderte i32-Werte, bekam %v %v", got["ids"].DType(), got["ids"].At(0))
	}
}

func TestCheckpointGatherFuncOnWrite(t *testing.T) {
	flat := map[string]*ml.Tensor{
		"w/kernel": ml.FromFloats([]float32{1, 2, 3, 4}, 2, 2),
	}
	var buf bytes.Buffer
	err := WriteCheckpoint(&buf, flat, func(key []string, tensor *ml.Tensor) *ml.Tensor {
		return tensor.Scale(2)
	}, ml.DTypeOther)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadCheckpoint(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["w/kernel"].At(1, 1) != 8 {
		t.Errorf("erwartet gather-transformierten Wert 8, bekam %v", got["w/kernel"].At(1, 1))
	}
}
