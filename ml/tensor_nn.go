// tensor_nn.go - NN-Hilfsoperationen
// Softmax, Exponential- und Normalisierungsbausteine fuer Attention.
package ml

import "math"

// Softmax computes softmax over the last dimension in float64
// accumulation for stability, returning a tensor of t's shape.
func (t *Tensor) Softmax() *Tensor {
	out := t.Clone()
	width := t.shape[t.Dims()-1]
	rows := len(t.data) / width
	for r := 0; r < rows; r++ {
		row := out.data[r*width : (r+1)*width]
		maxv := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		if sum == 0 {
			continue
		}
		inv := float32(1 / sum)
		for i := range row {
			row[i] *= inv
		}
	}
	return out
}

// Tril zeroes every element above the k-th diagonal of the trailing two
// dimensions. Used to build causal masks.
func (t *Tensor) Tril(k int) *Tensor {
	out := t.Clone()
	rows := t.shape[t.Dims()-2]
	cols := t.shape[t.Dims()-1]
	batch := len(t.data) / (rows * cols)
	for b := 0; b < batch; b++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if j > i+k {
					out.data[b*rows*cols+i*cols+j] = 0
				}
			}
		}
	}
	return out
}

// Triu zeroes every element below the k-th diagonal of the trailing two
// dimensions.
func (t *Tensor) Triu(k int) *Tensor {
	out := t.Clone()
	rows := t.shape[t.Dims()-2]
	cols := t.shape[t.Dims()-1]
	batch := len(t.data) / (rows * cols)
	for b := 0; b < batch; b++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if j < i+k {
					out.data[b*rows*cols+i*cols+j] = 0
				}
			}
		}
	}
	return out
}

// CumsumLast computes the cumulative sum along the last dimension.
// Alibi uses it to count valid prior tokens per position.
func (t *Tensor) CumsumLast() *Tensor {
	out := t.Clone()
	width := t.shape[t.Dims()-1]
	rows := len(t.data) / width
	for r := 0; r < rows; r++ {
		row := out.data[r*width : (r+1)*width]
		for i := 1; i < width; i++ {
			row[i] += row[i-1]
		}
	}
	return out
}
