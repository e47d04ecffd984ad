// Modul: weights_test.go
// Beschreibung: Tests der Konvertierungsregeln: Embedding-Umbenennung,
// Kernel-Transposition, Tupel-Schlüssel.
package transform

import (
	"testing"

	"github.com/meshlm/meshlm/ml"
)

func TestFromTorchEmbeddingKeepsOrientation(t *testing.T) {
	sd := map[string]*ml.Tensor{
		"model.embed_tokens.weight": ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
	}
	tree, err := FromTorch(sd, "embed_tokens")
	if err != nil {
		t.Fatal(err)
	}
	flat := tree.Flatten()
	got, ok := flat["model/embed_tokens/embedding"]
	if !ok {
		t.Fatalf("erwartet Pfad model/embed_tokens/embedding, bekam %v", keys(flat))
	}
	// Die Tabelle darf nicht transponiert werden.
	if got.Dim(0) != 3 || got.Dim(1) != 2 {
		t.Errorf("erwartet Form [3 2], bekam %v", got.Shape())
	}
	if got.At(1, 0) != 3 {
		t.Errorf("erwartet unveränderte Werte, bekam %v", got.Floats())
	}
}

func TestFromTorchTransposesKernels(t *testing.T) {
	// Referenz-Layout [out, in] = [2, 3].
	sd := map[string]*ml.Tensor{
		"layers.0.attention.q_proj.weight": ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
	}
	tree, err := FromTorch(sd, "embed_tokens")
	if err != nil {
		t.Fatal(err)
	}
	got := tree.Flatten()["layers/0/attention/q_proj/kernel"]
	if got == nil {
		t.Fatal("erwartet umbenannten Kernel-Pfad")
	}
	if got.Dim(0) != 3 || got.Dim(1) != 2 {
		t.Fatalf("erwartet transponierte Form [3 2], bekam %v", got.Shape())
	}
	// [i][j] des Ziels muss [j][i] der Quelle sein.
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			src := float32(j*3 + i + 1)
			if got.At(i, j) != src {
				t.Errorf("erwartet [%d %d] = %v, bekam %v", i, j, src, got.At(i, j))
			}
		}
	}
}

func TestFromTorchPassthrough(t *testing.T) {
	sd := map[string]*ml.Tensor{
		"layers.0.input_norm.bias": ml.FromFloats([]float32{1, 2, 3, 4}, 4),
		"layers.0.attention.rotary.inv_freq": ml.FromFloats([]float32{1, 2}, 2),
	}
	tree, err := FromTorch(sd, "embed_tokens")
	if err != nil {
		t.Fatal(err)
	}
	flat := tree.Flatten()
	if flat["layers/0/input_norm/bias"] == nil {
		t.Error("erwartet unveränderten Bias-Pfad")
	}
	if flat["layers/0/attention/rotary/inv_freq"] == nil {
		t.Error("erwartet unveränderten Durchreich-Pfad")
	}
}

func TestTreeRejectsLeafCollision(t *testing.T) {
	tree := Tree{}
	if err := tree.Set(ml.FromFloats([]float32{1}, 1), "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Set(ml.FromFloats([]float32{1}, 1), "a", "b", "c"); err == nil {
		t.Fatal("erwartet Fehler beim Überschreiten eines Blatts, bekam nil")
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	flat := map[string]*ml.Tensor{
		"embed_tokens/embedding":   ml.FromFloats([]float32{1, 2}, 2, 1),
		"layers/0/mlp/up_proj/kernel": ml.FromFloats([]float32{3, 4}, 1, 2),
	}
	tree, err := Unflatten(flat)
	if err != nil {
		t.Fatal(err)
	}
	back := tree.Flatten()
	if len(back) != len(flat) {
		t.Fatalf("erwartet %d Pfade, bekam %d", len(flat), len(back))
	}
	for path, want := range flat {
		if back[path] != want {
			t.Errorf("Pfad %q verloren oder ersetzt", path)
		}
	}
}

func keys(m map[string]*ml.Tensor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
