// Modul: nn_test.go
// Beschreibung: Tests für Rotationen, Alibi, Masken und Normen.
package nn

import (
	"math"
	"testing"

	"github.com/meshlm/meshlm/ml"
)

func maxDiff(a, b *ml.Tensor) float64 {
	var worst float64
	av, bv := a.Floats(), b.Floats()
	for i := range av {
		if d := math.Abs(float64(av[i] - bv[i])); d > worst {
			worst = d
		}
	}
	return worst
}

func TestRotaryInverseRoundTrip(t *testing.T) {
	for _, kind := range []RotaryKind{RotaryStandard, RotaryInterleaved} {
		r, err := NewRotary(kind, 32, 8, 0, 10000)
		if err != nil {
			t.Fatalf("%v: %v", kind, err)
		}

		x := NewStreams(7).Named("params").Normal(1, 1, 5, 2, 8)
		positions := [][]int32{{0, 3, 7, 12, 31}}

		rotated, err := r.Apply(x, positions)
		if err != nil {
			t.Fatalf("%v: apply failed: %v", kind, err)
		}
		back, err := r.Inverse().Apply(rotated, positions)
		if err != nil {
			t.Fatalf("%v: inverse failed: %v", kind, err)
		}
		if d := maxDiff(x, back); d > 1e-5 {
			t.Errorf("%v: erwartet Rekonstruktion, max. Abweichung %g", kind, d)
		}
	}
}

func TestRotaryPositionZeroIsIdentity(t *testing.T) {
	r, err := NewRotary(RotaryStandard, 8, 4, 0, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := ml.FromFloats([]float32{1, 2, 3, 4}, 1, 1, 1, 4)
	got, err := r.Apply(x, [][]int32{{0}})
	if err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(x, got); d != 0 {
		t.Errorf("erwartet Identität bei Position 0, max. Abweichung %g", d)
	}
}

func TestRotaryPartialDimLeavesTailUnchanged(t *testing.T) {
	r, err := NewRotary(RotaryStandard, 16, 8, 4, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := NewStreams(3).Named("params").Normal(1, 1, 1, 1, 8)
	got, err := r.Apply(x, [][]int32{{5}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 4; i < 8; i++ {
		if got.Floats()[i] != x.Floats()[i] {
			t.Errorf("erwartet unrotierte Kanäle ab Index 4, Abweichung an %d", i)
		}
	}
	if got.Floats()[0] == x.Floats()[0] {
		t.Error("erwartet Rotation der vorderen Kanäle")
	}
}

func TestRotaryRejectsOutOfTablePositions(t *testing.T) {
	r, err := NewRotary(RotaryStandard, 4, 4, 0, 10000)
	if err != nil {
		t.Fatal(err)
	}
	x := ml.Zeros(ml.DTypeF32, 1, 1, 1, 4)
	if _, err := r.Apply(x, [][]int32{{4}}); err == nil {
		t.Fatal("erwartet Fehler für Position außerhalb der Tabelle")
	}
}

func TestAlibiSlopesDecay(t *testing.T) {
	for _, numHeads := range []int{8, 12} {
		slopes := AlibiSlopes(numHeads)
		if len(slopes) != numHeads {
			t.Fatalf("erwartet %d Steigungen, bekommen %d", numHeads, len(slopes))
		}
		for i, s := range slopes {
			if s <= 0 || s >= 1 {
				t.Errorf("heads=%d: erwartet Steigung in (0,1), bekommen %v an %d", numHeads, s, i)
			}
		}
	}

	// Zweierpotenz: streng fallende geometrische Folge.
	slopes := AlibiSlopes(8)
	for i := 1; i < len(slopes); i++ {
		if slopes[i] >= slopes[i-1] {
			t.Errorf("erwartet fallende Steigungen, %v >= %v an %d", slopes[i], slopes[i-1], i)
		}
	}
}

func TestAlibiBiasCountsValidTokens(t *testing.T) {
	mask := ml.FromFloats([]float32{0, 1, 1, 1}, 1, 4)
	bias := AlibiBias(mask, 2)

	slopes := AlibiSlopes(2)
	// Erste Position ist Padding, danach laufen die Zählungen 0, 1, 2.
	want := []float32{
		0, 0, slopes[0] * 1, slopes[0] * 2,
		0, 0, slopes[1] * 1, slopes[1] * 2,
	}
	got := bias.Floats()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("erwartet %v an Position %d, bekommen %v", want[i], i, got[i])
		}
	}
}

func TestSlidingWindowCausalMask(t *testing.T) {
	mask := SlidingWindowCausalMask(4, 2)

	// Zeile 3 darf nur die Positionen 2 und 3 sehen.
	want := []float32{0, 0, 1, 1}
	for j, v := range want {
		if got := mask.At(0, 0, 3, j); got != v {
			t.Errorf("erwartet %v an Spalte %d, bekommen %v", v, j, got)
		}
	}
	if got := mask.At(0, 0, 0, 0); got != 1 {
		t.Errorf("erwartet erlaubte Diagonale, bekommen %v", got)
	}
}

func TestCombineMasksBroadcasts(t *testing.T) {
	causal := CausalMask(3)
	pad := ml.FromFloats([]float32{1, 1, 0}, 1, 1, 1, 3)

	combined := CombineMasks(causal, pad)
	if got := combined.At(0, 0, 2, 2); got != 0 {
		t.Errorf("erwartet maskierte Padding-Spalte, bekommen %v", got)
	}
	if got := combined.At(0, 0, 2, 1); got != 1 {
		t.Errorf("erwartet erlaubte Position, bekommen %v", got)
	}
	if CombineMasks(nil, nil) != nil {
		t.Error("erwartet nil für ausschließlich nil-Masken")
	}
}

func TestMaskToBias(t *testing.T) {
	mask := ml.FromFloats([]float32{1, 0}, 1, 2)
	bias := MaskToBias(mask, ml.DTypeF32)

	if got := bias.Floats()[0]; got != 0 {
		t.Errorf("erwartet Bias 0 für erlaubte Position, bekommen %v", got)
	}
	if got := bias.Floats()[1]; got != ml.MinValue(ml.DTypeF32) {
		t.Errorf("erwartet minimalen Bias für verbotene Position, bekommen %v", got)
	}
}

func TestLayerNormNormalizes(t *testing.T) {
	n := NewLayerNorm(4, 1e-5)
	x := ml.FromFloats([]float32{1, 2, 3, 4}, 1, 4)

	out := n.Forward(x).Floats()
	var mean float64
	for _, v := range out {
		mean += float64(v)
	}
	mean /= 4
	if math.Abs(mean) > 1e-5 {
		t.Errorf("erwartet Mittelwert 0, bekommen %v", mean)
	}

	var variance float64
	for _, v := range out {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4
	if math.Abs(variance-1) > 1e-3 {
		t.Errorf("erwartet Varianz 1, bekommen %v", variance)
	}
}

func TestRMSNormKeepsScaleInvariant(t *testing.T) {
	n := NewRMSNorm(4, 1e-6)
	x := ml.FromFloats([]float32{1, -2, 3, -4}, 1, 4)

	a := n.Forward(x)
	b := n.Forward(x.Scale(10))
	if d := maxDiff(a, b); d > 1e-4 {
		t.Errorf("erwartet Skaleninvarianz, max. Abweichung %g", d)
	}
}

func TestActivationByName(t *testing.T) {
	for _, name := range []string{"gelu", "gelu_new", "silu", "relu"} {
		if _, err := ActivationByName(name); err != nil {
			t.Errorf("erwartet bekannte Aktivierung %q, bekommen %v", name, err)
		}
	}
	if _, err := ActivationByName("swiglu2"); err == nil {
		t.Error("erwartet Fehler für unbekannte Aktivierung")
	}
}

func TestNamedStreamAdvancesAcrossCalls(t *testing.T) {
	s := NewStreams(11)

	// Wiederholte Named-Aufrufe liefern denselben laufenden Strom,
	// keinen Neustart der Sequenz.
	a := s.Named("dropout").Normal(1, 32)
	b := s.Named("dropout").Normal(1, 32)
	if d := maxDiff(a, b); d == 0 {
		t.Error("erwartet fortlaufende Ziehungen, bekommen identische Sequenzen")
	}
	if s.Named("dropout") != s.Named("dropout") {
		t.Error("erwartet denselben Strom für denselben Namen")
	}

	// Derselbe Seed reproduziert die Gesamtsequenz über Factories hinweg.
	o := NewStreams(11)
	a2 := o.Named("dropout").Normal(1, 32)
	b2 := o.Named("dropout").Normal(1, 32)
	if maxDiff(a, a2) != 0 || maxDiff(b, b2) != 0 {
		t.Error("erwartet reproduzierbare Sequenz bei gleichem Seed")
	}
}

func TestDropoutStreamsAreReproducible(t *testing.T) {
	x := ml.Full(1, ml.DTypeF32, 64)

	a := Dropout(x, 0.5, NewStreams(9).Named("dropout"))
	b := Dropout(x, 0.5, NewStreams(9).Named("dropout"))
	if d := maxDiff(a, b); d != 0 {
		t.Errorf("erwartet identische Maske bei gleichem Seed, max. Abweichung %g", d)
	}

	var zeros int
	for _, v := range a.Floats() {
		if v == 0 {
			zeros++
		} else if v != 2 {
			t.Fatalf("erwartet invertierte Skalierung 2, bekommen %v", v)
		}
	}
	if zeros == 0 || zeros == 64 {
		t.Errorf("erwartet gemischte Maske, %d von 64 Nullen", zeros)
	}
}
