// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert grundlegende Typen wie DType und Platform.
package ml

// DType represents the logical data type of tensor elements. Host storage
// is always float32; the DType decides how Bytes and FromBytes encode it.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// ElementSize returns the serialized width of one element in bytes.
func (d DType) ElementSize() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// PromoteTypes returns the dtype attention math should run in when mixing
// a and b. Anything narrower than f32 is promoted, matching the upcast
// policy of the attention kernels.
func PromoteTypes(a, b DType) DType {
	if a == DTypeF32 || b == DTypeF32 {
		return DTypeF32
	}
	if a == b {
		return a
	}
	return DTypeF32
}

// Platform identifies the accelerator class a kernel targets.
type Platform string

const (
	PlatformGPU Platform = "gpu"
	PlatformTPU Platform = "tpu"
)
