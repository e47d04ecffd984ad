// Package attention - Aufmerksamkeits-Kernel und Dispatcher
// Dieses Modul prüft die Tensor-Layouts der Query/Key/Value-Eingaben,
// wechselt zwischen dem zusammengelegten Kopf-Layout [batch, seq, heads*headDim]
// und dem Kernel-Layout [batch, heads, seq, headDim] und expandiert
// Key/Value-Köpfe für Grouped-Query-Attention.
package attention

import (
	"github.com/pkg/errors"

	"github.com/meshlm/meshlm/ml"
)

// checkLayout validates a single attention operand against the kernel
// layout [batch, heads, seq, headDim].
func checkLayout(name string, t *ml.Tensor) error {
	if t == nil {
		return errors.Errorf("attention: %s tensor is nil", name)
	}
	if t.Dims() != 4 {
		return errors.Errorf(
			"attention: %s must be rank 4 with layout [batch, heads, seq, headDim], got shape %v",
			name, t.Shape(),
		)
	}
	return nil
}

// CheckShapes validates query, key and value together. Key and value
// must agree in every dimension; query shares batch and headDim with
// them, and the key/value head count must evenly divide the query head
// count (the grouped-query case) or match it exactly.
func CheckShapes(query, key, value *ml.Tensor) error {
	for _, op := range []struct {
		name string
		t    *ml.Tensor
	}{{"query", query}, {"key", key}, {"value", value}} {
		if err := checkLayout(op.name, op.t); err != nil {
			return err
		}
	}
	if !key.SameShape(value) {
		return errors.Errorf(
			"attention: key shape %v and value shape %v do not match",
			key.Shape(), value.Shape(),
		)
	}
	if query.Dim(0) != key.Dim(0) {
		return errors.Errorf(
			"attention: query batch %d does not match key/value batch %d",
			query.Dim(0), key.Dim(0),
		)
	}
	if query.Dim(3) != key.Dim(3) {
		return errors.Errorf(
			"attention: query head dim %d does not match key/value head dim %d",
			query.Dim(3), key.Dim(3),
		)
	}
	if key.Dim(1) <= 0 || query.Dim(1)%key.Dim(1) != 0 {
		return errors.Errorf(
			"attention: %d key/value heads cannot serve %d query heads",
			key.Dim(1), query.Dim(1),
		)
	}
	return nil
}

// SplitHeads reshapes a merged projection [batch, seq, heads*headDim]
// into the kernel layout [batch, heads, seq, headDim].
func SplitHeads(t *ml.Tensor, numHeads int) (*ml.Tensor, error) {
	if t.Dims() != 3 {
		return nil, errors.Errorf("attention: split heads expects rank 3, got shape %v", t.Shape())
	}
	if t.Dim(2)%numHeads != 0 {
		return nil, errors.Errorf(
			"attention: hidden size %d is not divisible by %d heads",
			t.Dim(2), numHeads,
		)
	}
	headDim := t.Dim(2) / numHeads
	return t.Reshape(t.Dim(0), t.Dim(1), numHeads, headDim).Permute(0, 2, 1, 3), nil
}

// MergeHeads is the inverse of SplitHeads: [batch, heads, seq, headDim]
// back to [batch, seq, heads*headDim].
func MergeHeads(t *ml.Tensor) (*ml.Tensor, error) {
	if t.Dims() != 4 {
		return nil, errors.Errorf("attention: merge heads expects rank 4, got shape %v", t.Shape())
	}
	return t.Permute(0, 2, 1, 3).Reshape(t.Dim(0), t.Dim(2), t.Dim(1)*t.Dim(3)), nil
}

// RepeatKV expands key/value heads to the query head count. Each
// key/value head is block-replicated so that query heads
// [g*r, (g+1)*r) all read group g, matching the grouped-query layout.
// With equal head counts the input is returned unchanged.
func RepeatKV(t *ml.Tensor, numQueryHeads int) (*ml.Tensor, error) {
	kvHeads := t.Dim(1)
	if kvHeads == numQueryHeads {
		return t, nil
	}
	if numQueryHeads%kvHeads != 0 {
		return nil, errors.Errorf(
			"attention: %d key/value heads cannot serve %d query heads",
			kvHeads, numQueryHeads,
		)
	}
	return t.Repeat(1, numQueryHeads/kvHeads), nil
}

// promote picks the computation dtype for a kernel invocation and
// casts all operands to it.
func promote(query, key, value *ml.Tensor) (q, k, v *ml.Tensor, dt ml.DType) {
	dt = ml.PromoteTypes(ml.PromoteTypes(query.DType(), key.DType()), value.DType())
	return query.Cast(dt), key.Cast(dt), value.Cast(dt), dt
}
