package shape

import (
	"errors"
	"fmt"
)

// ErrSchema marks a structural validation failure.
var ErrSchema = errors.New("shape: schema violation")

// Schema is a structural check applied to a decoded generic value before any
// type conversion happens. Routes may declare one in addition to, or instead
// of, a request shape; it guards the dispatcher against payloads whose gross
// structure is wrong without committing to full coercion.
type Schema struct {
	// Type constrains the value's decoded form. One of "any", "nil",
	// "bool", "int", "str", "bytes", "list", "map". Empty means "map".
	Type string

	// Required lists map keys that must be present. Only meaningful for
	// map schemas.
	Required []string

	// Keys holds per-key schemas for map values. Keys not listed are
	// unconstrained.
	Keys map[string]*Schema

	// Elem constrains every element of a list.
	Elem *Schema
}

func (s *Schema) kind() string {
	if s.Type == "" {
		return "map"
	}
	return s.Type
}

// Validate checks v against the schema.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	switch s.kind() {
	case "any":
		return nil
	case "nil":
		if v != nil {
			return fmt.Errorf("%w: expected nil, got %T", ErrSchema, v)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: expected bool, got %T", ErrSchema, v)
		}
	case "int":
		switch v.(type) {
		case int64, uint64:
		default:
			return fmt.Errorf("%w: expected int, got %T", ErrSchema, v)
		}
	case "str":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: expected str, got %T", ErrSchema, v)
		}
	case "bytes":
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("%w: expected bytes, got %T", ErrSchema, v)
		}
	case "list":
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: expected list, got %T", ErrSchema, v)
		}
		for i, el := range items {
			if err := s.Elem.Validate(el); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case "map":
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: expected map, got %T", ErrSchema, v)
		}
		for _, key := range s.Required {
			if _, present := m[key]; !present {
				return fmt.Errorf("%w: missing required key %q", ErrSchema, key)
			}
		}
		for key, sub := range s.Keys {
			if el, present := m[key]; present {
				if err := sub.Validate(el); err != nil {
					return fmt.Errorf("key %q: %w", key, err)
				}
			}
		}
	default:
		return fmt.Errorf("%w: unknown schema type %q", ErrSchema, s.Type)
	}
	return nil
}

// Describe renders the schema as generic containers for introspection
// replies.
func (s *Schema) Describe() any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": s.kind()}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, k := range s.Required {
			req[i] = k
		}
		out["required"] = req
	}
	if len(s.Keys) > 0 {
		keys := make(map[string]any, len(s.Keys))
		for k, sub := range s.Keys {
			keys[k] = sub.Describe()
		}
		out["keys"] = keys
	}
	if s.Elem != nil {
		out["elem"] = s.Elem.Describe()
	}
	return out
}
