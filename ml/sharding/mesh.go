// mesh.go - Geraete-Mesh
//
// Bildet ein logisches Achsen-Tupel (dp, fsdp, tp, mp) auf den
// physischen Geraete-Pool ab. Genau eine Achse darf -1 sein und wird
// aus der Geraeteanzahl abgeleitet.
package sharding

import (
	"log/slog"
	"slices"

	"github.com/pkg/errors"

	"github.com/meshlm/meshlm/ml"
)

// Default logical axis names, bound positionally to the axis dims.
var DefaultAxisNames = [4]string{"dp", "fsdp", "tp", "mp"}

// DefaultAxisDims shards everything onto the fsdp axis.
var DefaultAxisDims = [4]int{1, -1, 1, 1}

// Mesh is a named multi-dimensional grid of devices. Devices are laid
// out row-major over the axis dims, so the last axis is fastest-moving.
// Equality is positional: axis order matters.
type Mesh struct {
	names []string
	dims  []int
	pool  *ml.DevicePool
}

// NewMesh arranges the pool's devices into a mesh of the given axis
// dims. At most one dim may be -1; it resolves to
// deviceCount / product(otherDims). The explicit dims must divide the
// device count evenly and, with no -1 present, their product must equal
// it exactly.
func NewMesh(axisDims []int, axisNames []string, pool *ml.DevicePool) (*Mesh, error) {
	if len(axisDims) != len(axisNames) {
		return nil, errors.Errorf("mesh axis dims %v and names %v differ in length", axisDims, axisNames)
	}
	if pool == nil || pool.Count() < 1 {
		return nil, errors.New("mesh requires a non-empty device pool")
	}

	infer := -1
	product := 1
	for i, d := range axisDims {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, errors.Errorf("mesh dims %v declare more than one inferred axis", axisDims)
			}
			infer = i
		case d < 1:
			return nil, errors.Errorf("mesh axis %q has invalid size %d", axisNames[i], d)
		default:
			product *= d
		}
	}

	count := pool.Count()
	dims := slices.Clone(axisDims)
	if infer >= 0 {
		if count%product != 0 {
			return nil, errors.Errorf("cannot infer axis %q: %d devices not divisible by %d", axisNames[infer], count, product)
		}
		dims[infer] = count / product
	} else if product != count {
		return nil, errors.Errorf("mesh dims %v require %d devices, pool has %d", axisDims, product, count)
	}

	slog.Debug("mesh", "names", axisNames, "dims", dims, "devices", count)

	return &Mesh{
		names: slices.Clone(axisNames),
		dims:  dims,
		pool:  pool,
	}, nil
}

// Has reports whether the mesh declares an axis with the given name.
func (m *Mesh) Has(name string) bool {
	return slices.Contains(m.names, name)
}

// Size returns the resolved size of the named axis. Unknown axes are a
// programmer error.
func (m *Mesh) Size(name string) int {
	i := slices.Index(m.names, name)
	if i < 0 {
		panic("sharding: mesh has no axis " + name)
	}
	return m.dims[i]
}

// AxisNames returns the axis names in declaration order.
func (m *Mesh) AxisNames() []string { return slices.Clone(m.names) }

// AxisDims returns the resolved axis sizes in declaration order.
func (m *Mesh) AxisDims() []int { return slices.Clone(m.dims) }

// Pool returns the underlying device pool.
func (m *Mesh) Pool() *ml.DevicePool { return m.pool }

// Equal reports positional equality: same axis names and resolved sizes
// in the same order.
func (m *Mesh) Equal(o *Mesh) bool {
	if o == nil {
		return false
	}
	return slices.Equal(m.names, o.names) && slices.Equal(m.dims, o.dims)
}

// Groups partitions the device ids into communication groups along the
// named axis: each group holds the devices that differ only in their
// coordinate on that axis. The layout matches collective replica groups,
// e.g. a [2 2] mesh grouped along its second axis gives [[0 1] [2 3]].
func (m *Mesh) Groups(name string) [][]int {
	axis := slices.Index(m.names, name)
	if axis < 0 {
		panic("sharding: mesh has no axis " + name)
	}

	size := m.dims[axis]
	inner := 1
	for i := axis + 1; i < len(m.dims); i++ {
		inner *= m.dims[i]
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= m.dims[i]
	}

	groups := make([][]int, 0, outer*inner)
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			group := make([]int, size)
			for s := 0; s < size; s++ {
				group[s] = (o*size+s)*inner + in
			}
			groups = append(groups, group)
		}
	}
	return groups
}
