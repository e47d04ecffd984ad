// Modul: torch.go
// Beschreibung: Liest PyTorch-Checkpoints (pickle-Format) und kopiert
// die Tensoren stride-korrekt in zeilen-major ml-Tensoren um. Half- und
// BFloat16-Speicher behalten ihren logischen Datentyp.
package transform

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/meshlm/meshlm/ml"
)

// LoadTorch reads a PyTorch checkpoint file into a flat state dict
// keyed by the dotted parameter names, ready for FromTorch.
func LoadTorch(path string) (map[string]*ml.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("transform: loading %s: %w", path, err)
	}

	out := make(map[string]*ml.Tensor)
	collect := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("transform: non-string parameter key %v", key)
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			// Checkpoints sometimes carry metadata entries; skip them.
			slog.Debug("skipping non-tensor checkpoint entry", "key", name)
			return nil
		}
		t, err := fromTorchTensor(pt)
		if err != nil {
			return fmt.Errorf("transform: parameter %q: %w", name, err)
		}
		out[name] = t
		return nil
	}

	switch o := obj.(type) {
	case *types.OrderedDict:
		for key, entry := range o.Map {
			if err := collect(key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, entry := range *o {
			if err := collect(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("transform: unexpected checkpoint root %T", obj)
	}

	slog.Debug("loaded torch checkpoint", "path", path, "tensors", len(out))
	return out, nil
}

// fromTorchTensor copies one torch tensor into a row-major ml tensor,
// honoring storage offset and strides.
func fromTorchTensor(t *pytorch.Tensor) (*ml.Tensor, error) {
	var src []float32
	dtype := ml.DTypeF32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
		dtype = ml.DTypeF16
	case *pytorch.BFloat16Storage:
		src = s.Data
		dtype = ml.DTypeBF16
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type %T", t.Source)
	}

	shape := append([]int(nil), t.Size...)
	out := ml.Zeros(dtype, shape...)
	data := out.Floats()

	idx := make([]int, len(shape))
	for i := range data {
		off := t.StorageOffset
		for d, x := range idx {
			off += x * t.Stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("stride walk escapes storage (offset %d of %d)", off, len(src))
		}
		data[i] = src[off]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
