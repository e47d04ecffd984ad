// tensor.go - Dichte Host-Tensoren
//
// Dieses Modul enthaelt die Grundstruktur des Tensor-Typs:
// - Tensor: dichter, zeilenorientierter Host-Tensor (float32 Speicher)
// - Konstruktoren: Zeros, FromFloats, FromInts, Full
// - Zugriff: Dim, Shape, Stride, At, Set
package ml

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major host tensor. Storage is always float32;
// DType tags the logical element type used on the wire (see Bytes).
//
// Values are passed around functionally: every operation returns a new
// Tensor and never aliases the inputs, except Reshape which shares the
// backing slice.
type Tensor struct {
	dtype DType
	shape []int
	data  []float32

	// annotation attached by the sharding resolver; consumed by the
	// distributed kernels and otherwise inert.
	sharding any
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(dtype DType, shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, n),
	}
}

// Full returns a tensor with every element set to v.
func Full(v float32, dtype DType, shape ...int) *Tensor {
	t := Zeros(dtype, shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromFloats wraps s into a tensor of the given shape. The slice is
// copied so later mutation of s does not leak into the tensor.
func FromFloats(s []float32, shape ...int) *Tensor {
	if numElements(shape) != len(s) {
		panic(fmt.Sprintf("ml: shape %v does not hold %d elements", shape, len(s)))
	}
	return &Tensor{
		dtype: DTypeF32,
		shape: slices.Clone(shape),
		data:  slices.Clone(s),
	}
}

// FromInts wraps s into an int-typed tensor.
func FromInts(s []int32, shape ...int) *Tensor {
	if numElements(shape) != len(s) {
		panic(fmt.Sprintf("ml: shape %v does not hold %d elements", shape, len(s)))
	}
	data := make([]float32, len(s))
	for i, v := range s {
		data[i] = float32(v)
	}
	return &Tensor{dtype: DTypeI32, shape: slices.Clone(shape), data: data}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the size of dimension n.
func (t *Tensor) Dim(n int) int { return t.shape[n] }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Stride returns the element stride of dimension n.
func (t *Tensor) Stride(n int) int {
	s := 1
	for i := len(t.shape) - 1; i > n; i-- {
		s *= t.shape[i]
	}
	return s
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int { return len(t.data) }

// DType returns the logical element type.
func (t *Tensor) DType() DType { return t.dtype }

// Floats exposes the backing storage. Callers must not grow the slice.
func (t *Tensor) Floats() []float32 { return t.data }

// At reads the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set writes the element at the given multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("ml: index rank %d against shape %v", len(idx), t.shape))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("ml: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype:    t.dtype,
		shape:    slices.Clone(t.shape),
		data:     slices.Clone(t.data),
		sharding: t.sharding,
	}
}

// SameShape reports whether t and u have identical shapes.
func (t *Tensor) SameShape(u *Tensor) bool {
	return slices.Equal(t.shape, u.shape)
}

// SetSharding attaches a sharding annotation. The annotation does not
// change the data; distributed kernels read it to pick shard axes.
func (t *Tensor) SetSharding(spec any) { t.sharding = spec }

// Sharding returns the current sharding annotation, or nil.
func (t *Tensor) Sharding() any { return t.sharding }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.dtype, t.shape)
}
