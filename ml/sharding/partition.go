// Package sharding - Partitionierung und Geraete-Meshes
//
// Dieses Modul enthaelt die PartitionSpec-Typen und den Resolver:
// - Spec/Axes: deklarative Zuordnung von Tensor-Achsen zu Mesh-Achsen
// - P: Konstruktor-Hilfsfunktion
// - WithConstraint: Sharding-Constraint anwenden (No-Op Fallback)
package sharding

import (
	"fmt"
	"strings"

	"github.com/meshlm/meshlm/ml"
)

// Axes maps one tensor dimension onto one or more mesh axes. A nil or
// empty Axes means the dimension is replicated.
type Axes []string

// Spec is a partition spec: one Axes entry per tensor dimension.
// Trailing dimensions may be omitted and are treated as replicated.
type Spec []Axes

// P builds a Spec from a mix of nil (replicated), string (single axis)
// and []string (multiple axes folded onto one dimension) entries:
//
//	P(nil, "mp", []string{"dp", "fsdp"}, nil)
func P(entries ...any) Spec {
	spec := make(Spec, 0, len(entries))
	for _, e := range entries {
		switch v := e.(type) {
		case nil:
			spec = append(spec, nil)
		case string:
			spec = append(spec, Axes{v})
		case []string:
			spec = append(spec, Axes(v))
		case Axes:
			spec = append(spec, v)
		default:
			panic(fmt.Sprintf("sharding: invalid spec entry %T", e))
		}
	}
	return spec
}

// AxisNames collects the distinct mesh axis names referenced anywhere in
// the spec, in first-appearance order.
func (s Spec) AxisNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, axes := range s {
		for _, name := range axes {
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func (s Spec) String() string {
	if len(s) == 0 {
		return "P()"
	}
	parts := make([]string, len(s))
	for i, axes := range s {
		switch len(axes) {
		case 0:
			parts[i] = "_"
		case 1:
			parts[i] = axes[0]
		default:
			parts[i] = "(" + strings.Join(axes, ",") + ")"
		}
	}
	return "P(" + strings.Join(parts, ", ") + ")"
}

// Equal reports positional equality of two specs.
func (s Spec) Equal(o Spec) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if len(s[i]) != len(o[i]) {
			return false
		}
		for j := range s[i] {
			if s[i][j] != o[i][j] {
				return false
			}
		}
	}
	return true
}

// WithConstraint applies the spec to t as a sharding annotation when
// every referenced axis is declared by mesh. Specs written for a larger
// mesh silently degrade to a no-op when axes are missing, so the same
// model code runs unsharded in single-device debugging. Applying the
// same constraint twice has no cumulative effect.
func WithConstraint(t *ml.Tensor, spec Spec, mesh *Mesh) *ml.Tensor {
	if t == nil || mesh == nil {
		return t
	}
	for _, name := range spec.AxisNames() {
		if !mesh.Has(name) {
			return t
		}
	}
	t.SetSharding(spec)
	return t
}
