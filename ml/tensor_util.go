// tensor_util.go - Hilfsfunktionen
//
// Dtype-Konvertierung und Serialisierung:
// - Cast: logischen Dtype wechseln (mit Rundung durch das Zielformat)
// - Bytes/FromBytes: Wire-Format fuer Checkpoints (f32/f16/bf16/i32)
// - MinValue: kleinster darstellbarer Wert je Dtype (Masken-Bias)
package ml

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Cast converts the logical dtype. Narrowing casts round each element
// through the target format so later math sees the precision loss.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := t.Clone()
	out.dtype = dtype
	switch dtype {
	case DTypeF16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		for i, v := range out.data {
			out.data[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	case DTypeI32:
		for i, v := range out.data {
			out.data[i] = float32(int32(v))
		}
	}
	return out
}

// MinValue returns the most negative representable value of the dtype,
// used as the additive mask bias for disallowed attention positions.
func MinValue(dtype DType) float32 {
	switch dtype {
	case DTypeF16:
		return -65504
	default:
		return -math.MaxFloat32
	}
}

// Bytes serializes the element data in the tensor's logical dtype,
// little-endian, without shape framing. The caller frames shape and
// dtype separately (see the transform package).
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, len(t.data)*t.dtype.ElementSize())
	switch t.dtype {
	case DTypeF16:
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(bfloat16.FromFloat32(v)))
		}
	case DTypeI32:
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
		}
	default:
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	}
	return buf
}

// FromBytes deserializes element data previously produced by Bytes for
// the given dtype and shape.
func FromBytes(dtype DType, buf []byte, shape ...int) (*Tensor, error) {
	n := numElements(shape)
	if len(buf) != n*dtype.ElementSize() {
		return nil, fmt.Errorf("ml: %d bytes cannot fill %v of %v", len(buf), shape, dtype)
	}
	t := Zeros(dtype, shape...)
	switch dtype {
	case DTypeF16:
		for i := range t.data {
			t.data[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
	case DTypeBF16:
		for i := range t.data {
			t.data[i] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(buf[i*2:])))
		}
	case DTypeI32:
		for i := range t.data {
			t.data[i] = float32(int32(binary.LittleEndian.Uint32(buf[i*4:])))
		}
	default:
		for i := range t.data {
			t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}
	return t, nil
}
