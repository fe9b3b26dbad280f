package wire

import "errors"

// Codec errors. Encoding failures are programmer errors and surface
// synchronously at the call site; decoding failures are raised to whoever
// asked for the decode.
var (
	// ErrFloatValue marks a float anywhere in a value. Floats have no
	// canonical representation and are categorically excluded from the
	// signed region of the wire format.
	ErrFloatValue = errors.New("wire: float values are not representable")

	// ErrIntRange marks an integer outside [-2^63, 2^64-1].
	ErrIntRange = errors.New("wire: integer out of range")

	// ErrMapKey marks a non-string map key.
	ErrMapKey = errors.New("wire: map keys must be strings")

	// ErrUnsupportedType marks a Go value with no wire representation.
	ErrUnsupportedType = errors.New("wire: unsupported type")

	// ErrTooLong marks a string, binary, array or map whose size exceeds
	// the 32-bit length prefix.
	ErrTooLong = errors.New("wire: value too long")

	// ErrTruncated marks input that ends mid-value.
	ErrTruncated = errors.New("wire: truncated input")

	// ErrMalformed marks input that is not a single well-formed value.
	ErrMalformed = errors.New("wire: malformed input")
)
