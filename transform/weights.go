// Package transform - Gewichtskonvertierung
//
// Dieses Modul übersetzt Referenz-Checkpoints in den meshlm-Baum:
// Embedding-Tabellen behalten ihre Orientierung und heißen "embedding",
// zweidimensionale Projektionen werden in die [in, out]-Konvention
// transponiert und heißen "kernel", alles andere geht unverändert durch.
package transform

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/meshlm/meshlm/ml"
)

// Tree is the nested weight mapping keyed by path segments. Leaves are
// *ml.Tensor, inner nodes are Tree.
type Tree map[string]any

// Set inserts a tensor at the given path, creating inner nodes as
// needed. A leaf/subtree collision is an error.
func (t Tree) Set(value *ml.Tensor, path ...string) error {
	if len(path) == 0 {
		return fmt.Errorf("transform: empty parameter path")
	}
	node := t
	for _, seg := range path[:len(path)-1] {
		child, ok := node[seg]
		if !ok {
			next := Tree{}
			node[seg] = next
			node = next
			continue
		}
		next, ok := child.(Tree)
		if !ok {
			return fmt.Errorf("transform: path %q crosses a leaf", strings.Join(path, "."))
		}
		node = next
	}
	leaf := path[len(path)-1]
	if _, ok := node[leaf]; ok {
		return fmt.Errorf("transform: duplicate parameter path %q", strings.Join(path, "."))
	}
	node[leaf] = value
	return nil
}

// Flatten joins the path segments with slashes, the layout the model's
// LoadParameters consumes.
func (t Tree) Flatten() map[string]*ml.Tensor {
	out := make(map[string]*ml.Tensor)
	t.flattenInto("", out)
	return out
}

func (t Tree) flattenInto(prefix string, out map[string]*ml.Tensor) {
	for seg, child := range t {
		path := seg
		if prefix != "" {
			path = prefix + "/" + seg
		}
		switch c := child.(type) {
		case Tree:
			c.flattenInto(path, out)
		case *ml.Tensor:
			out[path] = c
		}
	}
}

// Unflatten rebuilds the nested tree from slash paths.
func Unflatten(flat map[string]*ml.Tensor) (Tree, error) {
	t := Tree{}
	for path, tensor := range flat {
		if err := t.Set(tensor, strings.Split(path, "/")...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromTorch converts a reference state dict (dotted parameter names) to
// the nested target tree. Any path containing embeddingLayerName keeps
// its orientation and renames weight -> embedding; any other 2-D weight
// is transposed into the [in, out] kernel convention and renamed
// weight -> kernel; everything else passes through under its tuple key.
// Conversions of independent tensors run in parallel.
func FromTorch(stateDict map[string]*ml.Tensor, embeddingLayerName string) (Tree, error) {
	keys := make([]string, 0, len(stateDict))
	for k := range stateDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type converted struct {
		path  []string
		value *ml.Tensor
	}
	results := make([]converted, len(keys))

	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			src := stateDict[key]
			segs := strings.Split(key, ".")
			last := segs[len(segs)-1]

			switch {
			case embeddingLayerName != "" && strings.Contains(key, embeddingLayerName) && last == "weight":
				segs[len(segs)-1] = "embedding"
			case last == "weight" && src.Dims() == 2:
				transposed, err := transpose2D(src)
				if err != nil {
					return fmt.Errorf("transform: transposing %q: %w", key, err)
				}
				src = transposed
				segs[len(segs)-1] = "kernel"
			}
			results[i] = converted{path: segs, value: src}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := Tree{}
	for _, r := range results {
		if err := out.Set(r.value, r.path...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// transpose2D swaps the two axes of a matrix.
func transpose2D(t *ml.Tensor) (*ml.Tensor, error) {
	if t.Dims() != 2 {
		return nil, fmt.Errorf("expected a matrix, got shape %v", t.Shape())
	}
	rows, cols := t.Dim(0), t.Dim(1)

	d := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(slices.Clone(t.Floats())))
	if err := d.T(1, 0); err != nil {
		return nil, err
	}
	d = d.Materialize().(*tensor.Dense)
	data, ok := d.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected backing type %T", d.Data())
	}
	return ml.FromFloats(data, cols, rows).Cast(t.DType()), nil
}
