package shape

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"meshrpc/wire"
)

// ErrPayloadRequired marks an empty payload for a shape with no natural
// default.
var ErrPayloadRequired = errors.New("shape: payload required")

// DecodePayload turns raw payload bytes into a value of the expected shape.
//
// Two encodings are accepted. Payloads beginning with the reserved marker
// byte carry a DEFLATE-compressed JSON document (produced by foreign tooling
// that cannot speak the canonical codec); everything else is canonical bytes.
// An empty payload resolves to the shape's default when one exists: an empty
// list for list shapes, an empty map for map shapes, nil for nil-admitting
// shapes.
func DecodePayload(data []byte, s *Shape) (any, error) {
	if len(data) == 0 {
		return emptyDefault(s)
	}

	var v any
	var err error
	if data[0] == wire.MarkerReserved {
		v, err = decodeCompressedJSON(data[1:])
	} else {
		v, err = wire.Decode(data)
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return v, nil
	}
	return Convert(s, v)
}

func emptyDefault(s *Shape) (any, error) {
	if s == nil {
		return nil, nil
	}
	switch s.Kind {
	case KindList:
		return []any{}, nil
	case KindMap:
		return map[string]any{}, nil
	case KindAny, KindNil:
		return nil, nil
	case KindUnion:
		for _, alt := range s.Alts {
			if v, err := emptyDefault(alt); err == nil {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: shape %s", ErrPayloadRequired, s.Label())
}

func decodeCompressedJSON(data []byte) (any, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("shape: decompress payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("shape: parse payload document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("shape: parse payload document: trailing content")
	}
	return fromJSON(v), nil
}

// EncodeCompressedJSON produces the alternate payload encoding: the reserved
// marker byte followed by a DEFLATE-compressed JSON document. Outbound
// framework traffic never uses it; it exists for interop tests and foreign
// senders.
func EncodeCompressedJSON(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(wire.MarkerReserved)
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(doc); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fromJSON aligns parsed JSON with the decoder's value model: json.Number
// becomes int64 when integral, float64 otherwise.
func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i, el := range x {
			x[i] = fromJSON(el)
		}
		return x
	case map[string]any:
		for k, el := range x {
			x[k] = fromJSON(el)
		}
		return x
	}
	return v
}

// Normalise flattens a converted value into generic primitive containers:
// records become maps holding only their set fields, enum members collapse
// to their raw value, and raw bytes render as base64 text. Used on response
// values when the caller asked for a portable result.
func Normalise(v any) any {
	return flatten(v, true)
}

// Plain is Normalise without the text rendering of bytes. Handler results
// pass through it before canonical encoding, which represents bytes
// natively.
func Plain(v any) any {
	return flatten(v, false)
}

func flatten(v any, text bool) any {
	switch x := v.(type) {
	case *Record:
		out := make(map[string]any, len(x.fields))
		for name, fv := range x.fields {
			out[name] = flatten(fv, text)
		}
		return out
	case []*Record:
		out := make([]any, len(x))
		for i, rec := range x {
			out[i] = flatten(rec, text)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = flatten(el, text)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = flatten(el, text)
		}
		return out
	case []byte:
		if text {
			return base64.StdEncoding.EncodeToString(x)
		}
		return x
	}
	return v
}
