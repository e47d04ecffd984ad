// tensor_matrix.go - Matrixoperationen
// Batched Matrixmultiplikation ueber gonum BLAS (float32).
package ml

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matmul multiplies the trailing two dimensions of t and u, batching over
// all leading dimensions, which must match exactly: [..., m, k] x
// [..., k, n] -> [..., m, n].
func (t *Tensor) Matmul(u *Tensor) *Tensor {
	return t.matmul(u, false)
}

// MatmulT multiplies t by the transpose of u's trailing two dimensions:
// [..., m, k] x [..., n, k] -> [..., m, n]. Attention scores use this to
// avoid materializing K^T.
func (t *Tensor) MatmulT(u *Tensor) *Tensor {
	return t.matmul(u, true)
}

func (t *Tensor) matmul(u *Tensor, transposeB bool) *Tensor {
	if t.Dims() < 2 || u.Dims() < 2 {
		panic(fmt.Sprintf("ml: matmul needs rank >= 2, got %v x %v", t.shape, u.shape))
	}
	if !slices.Equal(t.shape[:t.Dims()-2], u.shape[:u.Dims()-2]) {
		panic(fmt.Sprintf("ml: matmul batch dims differ: %v vs %v", t.shape, u.shape))
	}

	m := t.shape[t.Dims()-2]
	k := t.shape[t.Dims()-1]

	var n, uk int
	if transposeB {
		n = u.shape[u.Dims()-2]
		uk = u.shape[u.Dims()-1]
	} else {
		uk = u.shape[u.Dims()-2]
		n = u.shape[u.Dims()-1]
	}
	if uk != k {
		panic(fmt.Sprintf("ml: matmul inner dims differ: %v x %v", t.shape, u.shape))
	}

	batch := numElements(t.shape[:t.Dims()-2])
	outShape := append(slices.Clone(t.shape[:t.Dims()-2]), m, n)
	out := Zeros(PromoteTypes(t.dtype, u.dtype), outShape...)

	tb := blas.NoTrans
	ldb := n
	if transposeB {
		tb = blas.Trans
		ldb = k
	}

	for b := 0; b < batch; b++ {
		a := blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data[b*m*k : (b+1)*m*k]}
		var bm blas32.General
		if transposeB {
			bm = blas32.General{Rows: n, Cols: k, Stride: ldb, Data: u.data[b*n*k : (b+1)*n*k]}
		} else {
			bm = blas32.General{Rows: k, Cols: n, Stride: ldb, Data: u.data[b*k*n : (b+1)*k*n]}
		}
		c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[b*m*n : (b+1)*m*n]}
		blas32.Gemm(blas.NoTrans, tb, 1, a, bm, 0, c)
	}

	return out
}
