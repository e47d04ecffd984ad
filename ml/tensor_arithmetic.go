// tensor_arithmetic.go - Elementweise Tensor-Operationen
// Hauptfunktionen: Add, Sub, Mul, Scale, Neg mit Broadcasting
package ml

import "fmt"

// broadcastShapes resolves the numpy-style broadcast of two shapes.
// Shorter shapes are padded with leading ones; a dimension broadcasts
// when either side is 1.
func broadcastShapes(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("ml: shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// broadcastOffset maps a flat index in the output shape back into the
// (possibly smaller) input shape.
func broadcastOffset(flat int, out, in []int) int {
	off := 0
	pad := len(out) - len(in)
	for i := len(out) - 1; i >= 0; i-- {
		idx := flat % out[i]
		flat /= out[i]
		j := i - pad
		if j < 0 {
			continue
		}
		d := in[j]
		if d != 1 {
			off += idx * strideOf(in, j)
		}
	}
	return off
}

func strideOf(shape []int, n int) int {
	s := 1
	for i := len(shape) - 1; i > n; i-- {
		s *= shape[i]
	}
	return s
}

func (t *Tensor) binary(u *Tensor, f func(a, b float32) float32) *Tensor {
	shape, err := broadcastShapes(t.shape, u.shape)
	if err != nil {
		panic(err)
	}
	out := Zeros(PromoteTypes(t.dtype, u.dtype), shape...)
	for i := range out.data {
		a := t.data[broadcastOffset(i, shape, t.shape)]
		b := u.data[broadcastOffset(i, shape, u.shape)]
		out.data[i] = f(a, b)
	}
	return out
}

// Add returns t + u with broadcasting.
func (t *Tensor) Add(u *Tensor) *Tensor {
	return t.binary(u, func(a, b float32) float32 { return a + b })
}

// Sub returns t - u with broadcasting.
func (t *Tensor) Sub(u *Tensor) *Tensor {
	return t.binary(u, func(a, b float32) float32 { return a - b })
}

// Mul returns the elementwise product with broadcasting.
func (t *Tensor) Mul(u *Tensor) *Tensor {
	return t.binary(u, func(a, b float32) float32 { return a * b })
}

// Minimum returns the elementwise minimum with broadcasting.
func (t *Tensor) Minimum(u *Tensor) *Tensor {
	return t.binary(u, func(a, b float32) float32 {
		if a < b {
			return a
		}
		return b
	})
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// Neg returns -t.
func (t *Tensor) Neg() *Tensor {
	return t.Scale(-1)
}
