// Modul: sharding_test.go
// Beschreibung: Tests für Mesh-Aufbau, Partition-Specs und Regelwerke.
package sharding

import (
	"strings"
	"testing"

	"github.com/meshlm/meshlm/ml"
)

func TestMeshInfersAxis(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformTPU, 8)
	mesh, err := NewMesh(DefaultAxisDims[:], DefaultAxisNames[:], pool)
	if err != nil {
		t.Fatalf("mesh failed: %v", err)
	}
	if got := mesh.Size("fsdp"); got != 8 {
		t.Errorf("erwartet fsdp-Größe 8, bekommen %d", got)
	}
	for _, name := range []string{"dp", "tp", "mp"} {
		if got := mesh.Size(name); got != 1 {
			t.Errorf("erwartet Achsengröße 1 für %q, bekommen %d", name, got)
		}
	}
}

func TestMeshRejectsNonDividingDims(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformTPU, 8)
	if _, err := NewMesh([]int{1, -1, 3, 1}, DefaultAxisNames[:], pool); err == nil {
		t.Fatal("erwartet Fehler für nicht teilbare Achsen")
	}
}

func TestMeshRejectsTwoInferredAxes(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformTPU, 8)
	if _, err := NewMesh([]int{-1, -1, 1, 1}, DefaultAxisNames[:], pool); err == nil {
		t.Fatal("erwartet Fehler für zwei abgeleitete Achsen")
	}
}

func TestMeshGroupsAlongAxis(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformTPU, 4)
	mesh, err := NewMesh([]int{1, 2, 2, 1}, DefaultAxisNames[:], pool)
	if err != nil {
		t.Fatalf("mesh failed: %v", err)
	}

	got := mesh.Groups("fsdp")
	want := [][]int{{0, 2}, {1, 3}}
	if len(got) != len(want) {
		t.Fatalf("erwartet %d Gruppen, bekommen %d", len(want), len(got))
	}
	for g := range want {
		for i := range want[g] {
			if got[g][i] != want[g][i] {
				t.Fatalf("erwartet Gruppen %v, bekommen %v", want, got)
			}
		}
	}
}

func TestSpecBuilderAndString(t *testing.T) {
	spec := P(Axes{"fsdp", "mp"}, "tp", nil)

	if got := spec.String(); !strings.Contains(got, "fsdp") || !strings.Contains(got, "tp") {
		t.Errorf("erwartet Achsennamen im String, bekommen %q", got)
	}
	names := spec.AxisNames()
	if len(names) != 3 {
		t.Fatalf("erwartet 3 referenzierte Achsen, bekommen %v", names)
	}
}

func TestSpecEqual(t *testing.T) {
	a := P("tp", Axes{"fsdp", "mp"})
	b := P("tp", Axes{"fsdp", "mp"})
	c := P("tp", nil)

	if !a.Equal(b) {
		t.Error("erwartet gleiche Specs")
	}
	if a.Equal(c) {
		t.Error("erwartet ungleiche Specs")
	}
}

func TestWithConstraintSkipsUnknownAxes(t *testing.T) {
	pool := ml.NewDevicePool(ml.PlatformTPU, 2)
	mesh, err := NewMesh([]int{1, 2, 1, 1}, DefaultAxisNames[:], pool)
	if err != nil {
		t.Fatalf("mesh failed: %v", err)
	}

	x := ml.Zeros(ml.DTypeF32, 4, 4)
	WithConstraint(x, P("fsdp", "tp"), mesh)
	if x.Sharding() == nil {
		t.Error("erwartet annotierte Partitionierung für bekannte Achsen")
	}

	y := ml.Zeros(ml.DTypeF32, 4, 4)
	WithConstraint(y, P("ep", nil), mesh)
	if y.Sharding() != nil {
		t.Error("erwartet keine Annotation bei unbekannter Achse")
	}
}

func TestRulesValidateRequiresCatchAll(t *testing.T) {
	rules := Rules{NewRule(`q_proj`, P("tp"))}
	if err := rules.Validate(); err == nil {
		t.Fatal("erwartet Fehler ohne Catch-All-Regel")
	}
	rules = append(rules, NewRule(`.*`, P(nil)))
	if err := rules.Validate(); err != nil {
		t.Fatalf("erwartet gültiges Regelwerk, bekommen %v", err)
	}
}

func TestRulesPlanResolvesEveryPath(t *testing.T) {
	rules := Rules{
		NewRule(`q_proj/kernel`, P(Axes{"fsdp", "mp"}, "tp")),
		NewRule(`.*`, P(nil)),
	}

	plan, err := rules.Plan([]string{"layers/0/attention/q_proj/kernel", "final_norm/weight"})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if got := plan["layers/0/attention/q_proj/kernel"]; !got.Equal(P(Axes{"fsdp", "mp"}, "tp")) {
		t.Errorf("erwartet Spaltenregel, bekommen %v", got)
	}
	if got := plan["final_norm/weight"]; !got.Equal(P(nil)) {
		t.Errorf("erwartet replizierten Norm-Parameter, bekommen %v", got)
	}
}
