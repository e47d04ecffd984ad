// Package kvcache - Forward Pass Operationen
//
// Dieses Modul enthaelt die Kernlogik des Decode-Schritts:
// - Put: neu berechnete Key/Value-Slices am Cursor einschreiben
// - StepMask: Padding-Maske aus dem Cursor ableiten
package kvcache

import (
	"fmt"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/ml/nn"
)

// Put writes the step's key/value slices, shaped
// [batch, stepLen, kvHeads, headDim], at the cursor and advances it by
// stepLen. It returns the full buffers so attention runs against the
// whole cached history.
//
// A write past maxLength fails with ErrCacheOverflow before anything is
// mutated.
func (c *Cache) Put(stepKey, stepValue *ml.Tensor) (key, value *ml.Tensor, err error) {
	if !c.active {
		return nil, nil, ErrNotInitialized
	}
	if !stepKey.SameShape(stepValue) {
		return nil, nil, fmt.Errorf("kvcache: key %v and value %v shapes differ", stepKey.Shape(), stepValue.Shape())
	}
	if stepKey.Dims() != 4 || stepKey.Dim(0) != c.batch || stepKey.Dim(2) != c.kvHeads || stepKey.Dim(3) != c.headDim {
		return nil, nil, fmt.Errorf("kvcache: step shape %v does not match cache [%d * %d %d]",
			stepKey.Shape(), c.batch, c.kvHeads, c.headDim)
	}

	stepLen := stepKey.Dim(1)
	if c.index+stepLen > c.maxLength {
		return nil, nil, fmt.Errorf("%w: cursor %d + step %d > %d", ErrCacheOverflow, c.index, stepLen, c.maxLength)
	}

	key, err = c.key.DynamicUpdateSlice(stepKey, 0, c.index, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	value, err = c.value.DynamicUpdateSlice(stepValue, 0, c.index, 0, 0)
	if err != nil {
		return nil, nil, err
	}

	// update-then-replace; safe because one decode step is a single
	// synchronous call with no concurrent writers.
	c.key = key
	c.value = value
	c.index += stepLen
	return key, value, nil
}

// StepMask derives the padding mask reflecting which cache positions
// hold valid history after the last Put: position < cursor, broadcast
// over the query rows as [batch, 1, queryLen, maxLength], ANDed with the
// caller's incoming attention mask (which may be nil).
func (c *Cache) StepMask(attentionMask *ml.Tensor, queryLen int) (*ml.Tensor, error) {
	if !c.active {
		return nil, ErrNotInitialized
	}

	valid := ml.Zeros(ml.DTypeF32, 1, 1, 1, c.maxLength)
	data := valid.Floats()
	for p := 0; p < c.index; p++ {
		data[p] = 1
	}

	pad := ml.Zeros(ml.DTypeF32, c.batch, 1, queryLen, c.maxLength)
	pad = pad.Add(valid)

	if attentionMask == nil {
		return pad, nil
	}
	return nn.CombineMasks(pad, attentionMask), nil
}
