package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode parses a single value from data. Any conformant encoding of the
// format is accepted, canonical or not, so replies produced by other
// implementations decode cleanly. Exactly one value must be present;
// trailing bytes are an error.
//
// Decoded Go types: nil, bool, int64 (uint64 only for values above
// math.MaxInt64), string, []byte, []any, map[string]any.
func Decode(data []byte) (any, error) {
	d := decoder{buf: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-d.pos)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.buf)-d.pos < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) value() (any, error) {
	b, err := d.take(1)
	if err != nil {
		return nil, err
	}
	m := b[0]

	switch {
	case m <= 0x7F: // positive fixint
		return int64(m), nil
	case m >= 0xE0: // negative fixint
		return int64(int8(m)), nil
	case m >= 0xA0 && m <= 0xBF: // fixstr
		return d.str(int(m & 0x1F))
	case m >= 0x90 && m <= 0x9F: // fixarray
		return d.array(int(m & 0x0F))
	case m >= 0x80 && m <= 0x8F: // fixmap
		return d.mapping(int(m & 0x0F))
	}

	switch m {
	case markerNil:
		return nil, nil
	case markerFalse:
		return false, nil
	case markerTrue:
		return true, nil
	case 0xCC, 0xCD, 0xCE, 0xCF:
		return d.uint(1 << (m - 0xCC))
	case 0xD0, 0xD1, 0xD2, 0xD3:
		return d.int(1 << (m - 0xD0))
	case 0xD9, 0xDA, 0xDB:
		n, err := d.length(1 << (m - 0xD9))
		if err != nil {
			return nil, err
		}
		return d.str(n)
	case 0xC4, 0xC5, 0xC6:
		n, err := d.length(1 << (m - 0xC4))
		if err != nil {
			return nil, err
		}
		return d.bin(n)
	case 0xDC, 0xDD:
		n, err := d.length(2 << (m - 0xDC))
		if err != nil {
			return nil, err
		}
		return d.array(n)
	case 0xDE, 0xDF:
		n, err := d.length(2 << (m - 0xDE))
		if err != nil {
			return nil, err
		}
		return d.mapping(n)
	case 0xCA, 0xCB:
		// Floats are outside the format, on decode as well as encode.
		return nil, ErrFloatValue
	}
	return nil, fmt.Errorf("%w: marker 0x%02X", ErrMalformed, m)
}

// length reads a big-endian size prefix of 1, 2 or 4 bytes.
func (d *decoder) length(width int) (int, error) {
	b, err := d.take(width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return int(b[0]), nil
	case 2:
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return int(binary.BigEndian.Uint32(b)), nil
	}
}

func (d *decoder) uint(width int) (any, error) {
	b, err := d.take(width)
	if err != nil {
		return nil, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	if v > math.MaxInt64 {
		return v, nil
	}
	return int64(v), nil
}

func (d *decoder) int(width int) (any, error) {
	b, err := d.take(width)
	if err != nil {
		return nil, err
	}
	switch width {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	default:
		return int64(binary.BigEndian.Uint64(b)), nil
	}
}

func (d *decoder) str(n int) (any, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *decoder) bin(n int) (any, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) array(n int) (any, error) {
	// The count comes off the wire. Every element occupies at least one
	// byte, so a count beyond the remaining input cannot be satisfied;
	// reject it before sizing the allocation.
	if n > len(d.buf)-d.pos {
		return nil, fmt.Errorf("%w: %d elements, %d bytes left", ErrTruncated, n, len(d.buf)-d.pos)
	}
	a := make([]any, 0, n)
	for i := 0; i < n; i++ {
		el, err := d.value()
		if err != nil {
			return nil, err
		}
		a = append(a, el)
	}
	return a, nil
}

func (d *decoder) mapping(n int) (any, error) {
	// Each entry needs a key marker and a value marker, two bytes at
	// minimum. Same wire-controlled count concern as array.
	if n > (len(d.buf)-d.pos)/2 {
		return nil, fmt.Errorf("%w: %d entries, %d bytes left", ErrTruncated, n, len(d.buf)-d.pos)
	}
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.value()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrMapKey, k)
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		m[key] = v
	}
	return m, nil
}
