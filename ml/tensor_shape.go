// tensor_shape.go - Form-Operationen
//
// Dieses Modul enthaelt Reshape, Permute, Slice, Concat, Repeat, Rows
// und DynamicUpdateSlice. Alle Operationen ausser Reshape liefern
// zusammenhaengende Kopien.
package ml

import (
	"fmt"
	"slices"
)

// Reshape returns a tensor with a new shape sharing the backing storage.
// The element count must be unchanged.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numElements(shape) != len(t.data) {
		panic(fmt.Sprintf("ml: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{dtype: t.dtype, shape: slices.Clone(shape), data: t.data, sharding: t.sharding}
}

// Permute reorders dimensions and materializes the result.
func (t *Tensor) Permute(order ...int) *Tensor {
	if len(order) != t.Dims() {
		panic(fmt.Sprintf("ml: permute order %v against shape %v", order, t.shape))
	}
	seen := make([]bool, len(order))
	newShape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			panic(fmt.Sprintf("ml: invalid permute order %v", order))
		}
		seen[o] = true
		newShape[i] = t.shape[o]
	}

	out := Zeros(t.dtype, newShape...)
	idx := make([]int, t.Dims())
	src := make([]int, t.Dims())
	for i := range out.data {
		flat := i
		for d := len(newShape) - 1; d >= 0; d-- {
			idx[d] = flat % newShape[d]
			flat /= newShape[d]
		}
		for d, o := range order {
			src[o] = idx[d]
		}
		out.data[i] = t.data[t.offset(src)]
	}
	return out
}

// SliceDim copies the half-open range [lo, hi) along dimension dim.
func (t *Tensor) SliceDim(dim, lo, hi int) *Tensor {
	if dim < 0 || dim >= t.Dims() || lo < 0 || hi > t.shape[dim] || lo > hi {
		panic(fmt.Sprintf("ml: slice [%d:%d) of dim %d in shape %v", lo, hi, dim, t.shape))
	}
	newShape := t.Shape()
	newShape[dim] = hi - lo

	out := Zeros(t.dtype, newShape...)
	outer := numElements(t.shape[:dim])
	inner := numElements(t.shape[dim+1:])
	for o := 0; o < outer; o++ {
		srcBase := (o*t.shape[dim] + lo) * inner
		dstBase := o * (hi - lo) * inner
		copy(out.data[dstBase:dstBase+(hi-lo)*inner], t.data[srcBase:srcBase+(hi-lo)*inner])
	}
	return out
}

// Concat joins t and u along dimension dim. All other dimensions must match.
func (t *Tensor) Concat(u *Tensor, dim int) *Tensor {
	if t.Dims() != u.Dims() {
		panic(fmt.Sprintf("ml: concat rank mismatch %v vs %v", t.shape, u.shape))
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != u.shape[i] {
			panic(fmt.Sprintf("ml: concat shape mismatch %v vs %v at dim %d", t.shape, u.shape, i))
		}
	}
	newShape := t.Shape()
	newShape[dim] += u.shape[dim]

	out := Zeros(PromoteTypes(t.dtype, u.dtype), newShape...)
	outer := numElements(t.shape[:dim])
	inner := numElements(t.shape[dim+1:])
	tw := t.shape[dim] * inner
	uw := u.shape[dim] * inner
	for o := 0; o < outer; o++ {
		copy(out.data[o*(tw+uw):], t.data[o*tw:(o+1)*tw])
		copy(out.data[o*(tw+uw)+tw:], u.data[o*uw:(o+1)*uw])
	}
	return out
}

// Repeat block-replicates each index of dimension dim n times: along
// dim, [A B] becomes [A A B B], never the interleaved [A B A B].
// Grouped-query attention relies on this distinction when expanding
// key/value heads.
func (t *Tensor) Repeat(dim, n int) *Tensor {
	if n < 1 {
		panic("ml: repeat count must be >= 1")
	}
	newShape := t.Shape()
	newShape[dim] *= n

	out := Zeros(t.dtype, newShape...)
	outer := numElements(t.shape[:dim])
	inner := numElements(t.shape[dim+1:])
	for o := 0; o < outer; o++ {
		for j := 0; j < t.shape[dim]; j++ {
			src := t.data[(o*t.shape[dim]+j)*inner : (o*t.shape[dim]+j+1)*inner]
			for r := 0; r < n; r++ {
				dst := ((o*t.shape[dim]+j)*n + r) * inner
				copy(out.data[dst:dst+inner], src)
			}
		}
	}
	return out
}

// Rows gathers rows of t (along dimension 0) at the given indices.
func (t *Tensor) Rows(indices []int32) *Tensor {
	newShape := t.Shape()
	newShape[0] = len(indices)
	out := Zeros(t.dtype, newShape...)
	width := numElements(t.shape[1:])
	for i, ix := range indices {
		if int(ix) < 0 || int(ix) >= t.shape[0] {
			panic(fmt.Sprintf("ml: row index %d out of range for shape %v", ix, t.shape))
		}
		copy(out.data[i*width:], t.data[int(ix)*width:(int(ix)+1)*width])
	}
	return out
}

// DynamicUpdateSlice writes src into t at the given per-dimension offsets
// and returns the updated tensor. t itself is not modified; decode-cache
// updates rely on the update-then-replace semantics.
//
// Offsets are validated strictly: an update that would extend past the
// edge of t is an error, there is no clipping.
func (t *Tensor) DynamicUpdateSlice(src *Tensor, offsets ...int) (*Tensor, error) {
	if src.Dims() != t.Dims() || len(offsets) != t.Dims() {
		return nil, fmt.Errorf("ml: dynamic update rank mismatch: %v into %v with offsets %v", src.shape, t.shape, offsets)
	}
	for i := range offsets {
		if offsets[i] < 0 || offsets[i]+src.shape[i] > t.shape[i] {
			return nil, fmt.Errorf("ml: dynamic update of %v at %v exceeds %v", src.shape, offsets, t.shape)
		}
	}

	out := t.Clone()
	idx := make([]int, src.Dims())
	dst := make([]int, src.Dims())
	for i := 0; i < len(src.data); i++ {
		flat := i
		for d := src.Dims() - 1; d >= 0; d-- {
			idx[d] = flat % src.shape[d]
			flat /= src.shape[d]
		}
		for d := range idx {
			dst[d] = idx[d] + offsets[d]
		}
		out.data[out.offset(dst)] = src.data[i]
	}
	return out, nil
}
