package shape

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// ErrConversion is the base error for every failed coercion.
var ErrConversion = errors.New("shape: conversion failed")

func convErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConversion, fmt.Sprintf(format, args...))
}

// Token sets accepted as booleans, compared case-insensitively.
var (
	trueTokens  = []string{"true", "1", "yes", "on"}
	falseTokens = []string{"false", "0", "no", "off"}
)

// Convert coerces a decoded generic value into the form s describes.
//
// Unions try each alternative in declared order and return the first success;
// when all fail the error aggregates every alternative's failure. Lists and
// maps convert element-wise. Enums and literals accept only declared members.
// Primitives apply the defined coercions: trimmed base-10 string to int,
// numeric or numeric-string to float, the usual token sets to bool, base64
// text to bytes. Struct shapes build a Record from a mapping.
func Convert(s *Shape, v any) (any, error) {
	if s == nil {
		return v, nil
	}
	switch s.Kind {
	case KindAny:
		return v, nil

	case KindNil:
		if v == nil {
			return nil, nil
		}
		return nil, convErr("expected nil, got %T", v)

	case KindBool:
		return convertBool(v)

	case KindInt:
		return convertInt(v)

	case KindFloat:
		return convertFloat(v)

	case KindString:
		if str, ok := v.(string); ok {
			return str, nil
		}
		return nil, convErr("expected string, got %T", v)

	case KindBytes:
		return convertBytes(v)

	case KindList:
		items, ok := v.([]any)
		if !ok {
			return nil, convErr("expected list, got %T", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			el, err := Convert(s.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = el
		}
		return out, nil

	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, convErr("expected map, got %T", v)
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			el, err := Convert(s.Value, item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = el
		}
		return out, nil

	case KindStruct:
		if rec, ok := v.(*Record); ok && rec.Shape == s {
			return rec, nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, convErr("expected mapping for struct %s, got %T", s.Name, v)
		}
		return BuildRecord(s, m)

	case KindEnum:
		for _, member := range s.Members {
			if valueEqual(member, v) {
				return member, nil
			}
		}
		return nil, convErr("%v is not a member of enum %s", v, s.Name)

	case KindLiteral:
		if valueEqual(s.Lit, v) {
			return s.Lit, nil
		}
		return nil, convErr("expected literal %v, got %v", s.Lit, v)

	case KindUnion:
		var agg error
		for i, alt := range s.Alts {
			out, err := Convert(alt, v)
			if err == nil {
				return out, nil
			}
			agg = multierr.Append(agg, fmt.Errorf("alternative %d (%s): %w", i, alt.Label(), err))
		}
		if agg == nil {
			return nil, convErr("union has no alternatives")
		}
		return nil, fmt.Errorf("%w: no union alternative matched: %w", ErrConversion, agg)
	}
	return nil, convErr("unknown shape kind %v", s.Kind)
}

func convertBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		lower := strings.ToLower(strings.TrimSpace(x))
		for _, tok := range trueTokens {
			if lower == tok {
				return true, nil
			}
		}
		for _, tok := range falseTokens {
			if lower == tok {
				return false, nil
			}
		}
		return nil, convErr("%q is not a boolean token", x)
	}
	return nil, convErr("expected bool, got %T", v)
}

func convertInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, convErr("%q is not an integer", x)
		}
		return n, nil
	}
	return nil, convErr("expected integer, got %T", v)
}

func convertFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, convErr("%q is not a number", x)
		}
		return f, nil
	}
	return nil, convErr("expected number, got %T", v)
}

func convertBytes(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		// Symmetric with Normalise, which renders bytes as base64.
		raw, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, convErr("%q is not base64", x)
		}
		return raw, nil
	}
	return nil, convErr("expected bytes, got %T", v)
}

// BuildRecord constructs a record by pulling only declared fields out of m.
// Absent optional fields stay unset; absent required fields are an error.
func BuildRecord(s *Shape, m map[string]any) (*Record, error) {
	if s == nil || s.Kind != KindStruct {
		return nil, convErr("shape %s is not a struct", s.Label())
	}
	rec := NewRecord(s)
	for _, f := range s.Fields {
		raw, present := m[f.Name]
		if !present {
			if f.Required {
				return nil, convErr("struct %s: missing required field %q", s.Name, f.Name)
			}
			continue
		}
		v, err := Convert(f.Shape, raw)
		if err != nil {
			return nil, fmt.Errorf("struct %s field %q: %w", s.Name, f.Name, err)
		}
		rec.fields[f.Name] = v
	}
	return rec, nil
}

// valueEqual compares a declared member against a decoded value, tolerating
// the int64/uint64 split the decoder produces.
func valueEqual(member, v any) bool {
	if reflect.DeepEqual(member, v) {
		return true
	}
	mi, mok := asInt64(member)
	vi, vok := asInt64(v)
	return mok && vok && mi == vi
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}
