// Modul: checkpoint.go
// Beschreibung: Checkpoint-Strom aus (Schlüssel-Tupel, Tensor-Bytes)-
// Datensätzen im msgpack-Rahmen. Gelesen wird über einen begrenzten
// Puffer Datensatz für Datensatz; eine optionale Shard-Funktion greift
// pro Schlüssel direkt beim Deserialisieren.
package transform

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshlm/meshlm/ml"
)

// readBufferSize bounds the streaming reader: records pass through one
// fixed buffer instead of the whole checkpoint living in memory.
const readBufferSize = 1 << 20

// ShardFunc transforms one tensor keyed by its path tuple, applied on
// load (sharding) or on save (gathering).
type ShardFunc func(key []string, t *ml.Tensor) *ml.Tensor

// record is one stream element.
type record struct {
	Key   []string `msgpack:"key"`
	Value []byte   `msgpack:"value"`
}

// payload is the serialized tensor inside a record's value bytes.
type payload struct {
	DType string `msgpack:"dtype"`
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// WriteCheckpoint streams the flattened weight tree. Keys are written
// in sorted order so checkpoints are reproducible. gather, when set,
// runs per tensor before serialization; dtype downcasts floating
// tensors on the way out (DTypeOther keeps each tensor's own type).
func WriteCheckpoint(w io.Writer, flat map[string]*ml.Tensor, gather ShardFunc, dtype ml.DType) error {
	bw := bufio.NewWriterSize(w, readBufferSize)
	enc := msgpack.NewEncoder(bw)

	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		key := strings.Split(path, "/")
		t := flat[path]
		if gather != nil {
			t = gather(key, t)
		}
		if dtype != ml.DTypeOther && t.DType() != dtype && t.DType() != ml.DTypeI32 {
			t = t.Cast(dtype)
		}

		value, err := msgpack.Marshal(payload{
			DType: t.DType().String(),
			Shape: t.Shape(),
			Data:  t.Bytes(),
		})
		if err != nil {
			return fmt.Errorf("transform: encoding %q: %w", path, err)
		}
		if err := enc.Encode(record{Key: key, Value: value}); err != nil {
			return fmt.Errorf("transform: writing %q: %w", path, err)
		}
	}
	return bw.Flush()
}

// ReadCheckpoint consumes a record stream until EOF and returns the
// flattened weight tree. shard, when set, runs on every tensor right
// after deserialization, before it is stored.
func ReadCheckpoint(r io.Reader, shard ShardFunc) (map[string]*ml.Tensor, error) {
	dec := msgpack.NewDecoder(bufio.NewReaderSize(r, readBufferSize))

	out := make(map[string]*ml.Tensor)
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("transform: reading checkpoint record: %w", err)
		}

		var p payload
		if err := msgpack.Unmarshal(rec.Value, &p); err != nil {
			return nil, fmt.Errorf("transform: decoding %q: %w", strings.Join(rec.Key, "/"), err)
		}
		dtype, err := dtypeByName(p.DType)
		if err != nil {
			return nil, fmt.Errorf("transform: %q: %w", strings.Join(rec.Key, "/"), err)
		}
		t, err := ml.FromBytes(dtype, p.Data, p.Shape...)
		if err != nil {
			return nil, fmt.Errorf("transform: %q: %w", strings.Join(rec.Key, "/"), err)
		}

		if shard != nil {
			t = shard(rec.Key, t)
		}
		path := strings.Join(rec.Key, "/")
		if _, ok := out[path]; ok {
			return nil, fmt.Errorf("transform: duplicate checkpoint key %q", path)
		}
		out[path] = t
	}
	return out, nil
}

func dtypeByName(name string) (ml.DType, error) {
	for _, d := range []ml.DType{ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16, ml.DTypeI32} {
		if d.String() == name {
			return d, nil
		}
	}
	return ml.DTypeOther, fmt.Errorf("unknown tensor dtype %q", name)
}
