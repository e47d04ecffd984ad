// Package kvcache - Inkrementeller Decode-Cache
//
// Dieses Modul enthaelt die Factory-Funktionen und die Initialisierung:
// - NewCausal: uninitialisierter Cache fuer eine Decoding-Session
// - Init: Puffer-Allokation beim ersten Schritt
//
// Ein Cache gehoert genau einer Generierungssession. Eine neue Session
// muss einen neuen Cache anlegen; ein beendeter Cache wird nie
// zurueckgesetzt.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/meshlm/meshlm/ml"
)

var (
	// ErrCacheOverflow signals a Put that would write past the declared
	// maximum length. Overflow is fatal by contract, never clipped.
	ErrCacheOverflow = errors.New("kvcache: write exceeds max length")

	// ErrNotInitialized signals use of a cache before Init.
	ErrNotInitialized = errors.New("kvcache: cache not initialized")

	// ErrPositionsRequired signals a decode step that omitted position
	// ids while the cache is active.
	ErrPositionsRequired = errors.New("kvcache: position ids required while cache is active")
)

// Cache holds one attention layer's key/value buffers and write cursor.
// Updates are functional: each Put takes the old buffers and replaces
// them with updated copies, so a step either completes or leaves the
// cache untouched.
type Cache struct {
	key   *ml.Tensor // [batch, maxLength, kvHeads, headDim]
	value *ml.Tensor
	index int

	batch, maxLength, kvHeads, headDim int
	dtype                              ml.DType
	active                             bool
}

// NewCausal returns an uninitialized cache. The buffers are allocated
// lazily by Init on the first decode step.
func NewCausal(dtype ml.DType) *Cache {
	return &Cache{dtype: dtype}
}

// Init allocates zero-filled key/value buffers sized to the declared
// maximum sequence length and resets the cursor. Calling Init on an
// active cache is an error: sessions never reuse caches.
func (c *Cache) Init(batch, maxLength, kvHeads, headDim int) error {
	if c.active {
		return errors.New("kvcache: cache already initialized for this session")
	}
	if batch < 1 || maxLength < 1 || kvHeads < 1 || headDim < 1 {
		return fmt.Errorf("kvcache: invalid cache geometry [%d %d %d %d]", batch, maxLength, kvHeads, headDim)
	}

	c.key = ml.Zeros(c.dtype, batch, maxLength, kvHeads, headDim)
	c.value = ml.Zeros(c.dtype, batch, maxLength, kvHeads, headDim)
	c.index = 0
	c.batch = batch
	c.maxLength = maxLength
	c.kvHeads = kvHeads
	c.headDim = headDim
	c.active = true
	return nil
}

// Active reports whether Init has run.
func (c *Cache) Active() bool { return c.active }

// Index returns the current write cursor.
func (c *Cache) Index() int { return c.index }

// MaxLength returns the declared maximum sequence length.
func (c *Cache) MaxLength() int { return c.maxLength }

// Key returns the full cached key buffer.
func (c *Cache) Key() *ml.Tensor { return c.key }

// Value returns the full cached value buffer.
func (c *Cache) Value() *ml.Tensor { return c.value }
