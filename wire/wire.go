// Package wire implements the canonical binary codec used for every payload
// that crosses the mesh, and the digest/signature primitives built on top of
// the canonical bytes.
//
// The format is a deliberately small msgpack subset:
//
//	nil                  0xC0
//	false / true         0xC2 / 0xC3
//	positive fixint      0x00..0x7F
//	negative fixint      0xE0..0xFF
//	int8/16/32/64        0xD0/0xD1/0xD2/0xD3 + big-endian bytes
//	uint8/16/32/64       0xCC/0xCD/0xCE/0xCF + big-endian bytes
//	fixstr / str8/16/32  0xA0..0xBF / 0xD9/0xDA/0xDB + UTF-8 bytes
//	bin8/16/32           0xC4/0xC5/0xC6 + raw bytes
//	fixarray / array     0x90..0x9F / 0xDC/0xDD + elements
//	fixmap / map         0x80..0x8F / 0xDE/0xDF + sorted entries
//
// Encoding is canonical: integers always take the smallest width that fits
// (unsigned family for non-negative values, signed for negative), map entries
// are emitted in ascending UTF-8 byte order of their keys, and floats are
// rejected outright. Two equal values therefore always produce identical
// bytes, which makes the output safe to hash and sign.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
)

// Format marker bytes referenced outside the encoder.
const (
	markerNil byte = 0xC0
	// MarkerReserved is the one byte the format never emits. Payloads that
	// begin with it carry the alternate compressed-JSON envelope instead of
	// canonical bytes (see the shape package).
	MarkerReserved byte = 0xC1
	markerFalse    byte = 0xC2
	markerTrue     byte = 0xC3
)

// Encode serializes v into canonical bytes.
//
// Accepted values: nil, bool, all integer kinds, *big.Int, string, []byte,
// slices, and string-keyed maps (recursively). Floats and non-string map keys
// are rejected, as are integers outside [-2^63, 2^64-1].
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(markerNil)
		return nil
	case bool:
		if x {
			buf.WriteByte(markerTrue)
		} else {
			buf.WriteByte(markerFalse)
		}
		return nil
	case int:
		return encodeInt(buf, int64(x))
	case int8:
		return encodeInt(buf, int64(x))
	case int16:
		return encodeInt(buf, int64(x))
	case int32:
		return encodeInt(buf, int64(x))
	case int64:
		return encodeInt(buf, x)
	case uint:
		return encodeUint(buf, uint64(x))
	case uint8:
		return encodeUint(buf, uint64(x))
	case uint16:
		return encodeUint(buf, uint64(x))
	case uint32:
		return encodeUint(buf, uint64(x))
	case uint64:
		return encodeUint(buf, x)
	case *big.Int:
		return encodeBigInt(buf, x)
	case float32, float64:
		return ErrFloatValue
	case string:
		return encodeString(buf, x)
	case []byte:
		return encodeBinary(buf, x)
	case []any:
		return encodeArray(buf, x)
	case map[string]any:
		return encodeMap(buf, x)
	}
	return encodeReflect(buf, v)
}

// encodeReflect handles typed slices and string-keyed maps that don't match
// the concrete cases above, e.g. []string or map[string]int.
func encodeReflect(buf *bytes.Buffer, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteByte(markerNil)
			return nil
		}
		return encodeValue(buf, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBinary(buf, rv.Bytes())
		}
		if err := writeArrayHeader(buf, rv.Len()); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: %s", ErrMapKey, rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeMap(buf, m)
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func encodeInt(buf *bytes.Buffer, v int64) error {
	if v >= 0 {
		return encodeUint(buf, uint64(v))
	}
	switch {
	case v >= -32:
		buf.WriteByte(byte(v))
	case v >= math.MinInt8:
		buf.WriteByte(0xD0)
		buf.WriteByte(byte(int8(v)))
	case v >= math.MinInt16:
		buf.WriteByte(0xD1)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v)))
		buf.Write(b[:])
	case v >= math.MinInt32:
		buf.WriteByte(0xD2)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xD3)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		buf.Write(b[:])
	}
	return nil
}

func encodeUint(buf *bytes.Buffer, v uint64) error {
	switch {
	case v <= 0x7F:
		buf.WriteByte(byte(v))
	case v <= math.MaxUint8:
		buf.WriteByte(0xCC)
		buf.WriteByte(byte(v))
	case v <= math.MaxUint16:
		buf.WriteByte(0xCD)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= math.MaxUint32:
		buf.WriteByte(0xCE)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xCF)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	return nil
}

// encodeBigInt admits the full wire range [-2^63, 2^64-1], which neither
// int64 nor uint64 covers alone.
func encodeBigInt(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		buf.WriteByte(markerNil)
		return nil
	}
	if v.Sign() >= 0 {
		if !v.IsUint64() {
			return fmt.Errorf("%w: %s", ErrIntRange, v)
		}
		return encodeUint(buf, v.Uint64())
	}
	if !v.IsInt64() {
		return fmt.Errorf("%w: %s", ErrIntRange, v)
	}
	return encodeInt(buf, v.Int64())
}

func encodeString(buf *bytes.Buffer, s string) error {
	n := len(s)
	switch {
	case n <= 31:
		buf.WriteByte(0xA0 | byte(n))
	case n <= math.MaxUint8:
		buf.WriteByte(0xD9)
		buf.WriteByte(byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(0xDA)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= math.MaxUint32:
		buf.WriteByte(0xDB)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: string of %d bytes", ErrTooLong, n)
	}
	buf.WriteString(s)
	return nil
}

func encodeBinary(buf *bytes.Buffer, p []byte) error {
	n := len(p)
	switch {
	case n <= math.MaxUint8:
		buf.WriteByte(0xC4)
		buf.WriteByte(byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(0xC5)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= math.MaxUint32:
		buf.WriteByte(0xC6)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: binary of %d bytes", ErrTooLong, n)
	}
	buf.Write(p)
	return nil
}

func writeArrayHeader(buf *bytes.Buffer, n int) error {
	switch {
	case n <= 15:
		buf.WriteByte(0x90 | byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(0xDC)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= math.MaxUint32:
		buf.WriteByte(0xDD)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: array of %d elements", ErrTooLong, n)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	if err := writeArrayHeader(buf, len(a)); err != nil {
		return err
	}
	for _, el := range a {
		if err := encodeValue(buf, el); err != nil {
			return err
		}
	}
	return nil
}

// encodeMap emits entries sorted ascending by the UTF-8 bytes of their keys.
// Go's string comparison is byte-lexicographic, so sort.Strings gives exactly
// that order.
func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	n := len(m)
	switch {
	case n <= 15:
		buf.WriteByte(0x80 | byte(n))
	case n <= math.MaxUint16:
		buf.WriteByte(0xDE)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= math.MaxUint32:
		buf.WriteByte(0xDF)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		return fmt.Errorf("%w: map of %d entries", ErrTooLong, n)
	}
	keys := make([]string, 0, n)
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := encodeString(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}
