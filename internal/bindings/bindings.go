// Package bindings maps guest import names to host symbols at compile time.
//
// A bindings file is JSON of the shape {"module": {"field": "host_symbol"}}.
// The compiler rewrites each imported function call into a call to the bound
// host symbol; an import with no binding aborts compilation.
package bindings

import (
	"encoding/json"
	"fmt"
	"os"
)

// Bindings is the two-level import map.
type Bindings struct {
	modules map[string]map[string]string
}

// New returns bindings over the given map. The map is not copied.
func New(modules map[string]map[string]string) *Bindings {
	if modules == nil {
		modules = map[string]map[string]string{}
	}
	return &Bindings{modules: modules}
}

// NewEmpty returns bindings with no entries.
func NewEmpty() *Bindings { return New(nil) }

// FromFile reads a JSON bindings file.
func FromFile(path string) (*Bindings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bindings file: %w", err)
	}
	return FromJSON(raw)
}

// FromJSON parses JSON bindings.
func FromJSON(raw []byte) (*Bindings, error) {
	var modules map[string]map[string]string
	if err := json.Unmarshal(raw, &modules); err != nil {
		return nil, fmt.Errorf("parsing bindings: %w", err)
	}
	return New(modules), nil
}

// Extend merges other into b. Conflicting rebindings of the same
// module/field to a different symbol are an error.
func (b *Bindings) Extend(other *Bindings) error {
	for module, fields := range other.modules {
		dst, ok := b.modules[module]
		if !ok {
			dst = map[string]string{}
			b.modules[module] = dst
		}
		for field, sym := range fields {
			if existing, ok := dst[field]; ok && existing != sym {
				return fmt.Errorf("rebinding %s::%s from %q to %q", module, field, existing, sym)
			}
			dst[field] = sym
		}
	}
	return nil
}

// Translate returns the host symbol bound to module::field.
func (b *Bindings) Translate(module, field string) (string, error) {
	fields, ok := b.modules[module]
	if !ok {
		return "", fmt.Errorf("unknown module for import binding: %q", module)
	}
	sym, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("unknown symbol for import binding: %q::%q", module, field)
	}
	return sym, nil
}

// MarshalJSON implements json.Marshaler so bindings round-trip through the
// file format.
func (b *Bindings) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.modules)
}
