// Package model - Architektur-Registry
//
// Dieses Paket bildet einen Modelltyp-Tag ("mistral", "falcon", ...)
// auf das Tripel aus Config-Konstruktor, Modell-Konstruktor und
// Gewichtskonverter ab. Die Leaf-Pakete unter model/models registrieren
// sich per init(); doppelte Registrierung ist ein Programmierfehler und
// paniikt beim Start.
package model

import (
	"fmt"
	"sort"

	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/transformer"
)

// ConvertFunc turns a reference-framework state dict (dotted parameter
// names) into the flattened slash-path weight tree LoadParameters
// expects.
type ConvertFunc func(stateDict map[string]*ml.Tensor) (map[string]*ml.Tensor, error)

// Entry is one registered architecture.
type Entry struct {
	// NewConfig returns the architecture's preset configuration.
	NewConfig func() *transformer.Config
	// NewModel builds a model over the given device pool.
	NewModel func(cfg *transformer.Config, pool *ml.DevicePool, seed uint64) (*transformer.Model, error)
	// Convert maps reference weights into the model's parameter tree.
	Convert ConvertFunc
}

var entries = make(map[string]Entry)

// Register adds an architecture under its model-type tag. It panics on
// duplicates and on incomplete entries.
func Register(name string, e Entry) {
	if _, ok := entries[name]; ok {
		panic("model: model type already registered: " + name)
	}
	if e.NewConfig == nil || e.NewModel == nil || e.Convert == nil {
		panic("model: incomplete registration for " + name)
	}
	entries[name] = e
}

// ForType resolves a model-type tag. Unknown tags fail with an error
// naming the unsupported type.
func ForType(name string) (Entry, error) {
	e, ok := entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("model: unsupported model type %q", name)
	}
	return e, nil
}

// Types lists the registered model-type tags in sorted order.
func Types() []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New is the convenience path: preset config, fresh weights.
func New(modelType string, pool *ml.DevicePool, seed uint64) (*transformer.Model, error) {
	e, err := ForType(modelType)
	if err != nil {
		return nil, err
	}
	return e.NewModel(e.NewConfig(), pool, seed)
}
