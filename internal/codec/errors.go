package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("record validation failed")
	// ErrEncoding matches any *EncodingError via errors.Is.
	ErrEncoding = errors.New("record encoding failed")
)

// Rejection reasons carried by ValidationError.
const (
	ReasonTooManyKeys = "too_many_keys"
	ReasonTooLarge    = "too_large"
)

// ValidationError reports a record that violates a shape or size limit.
// It is fatal to that record only.
type ValidationError struct {
	Reason string
	// Keys is the top-level key count, including an injected time field.
	Keys int
	// Size is the encoded row size in bytes (zero for key-count failures).
	Size int
	// Fields lists the record's top-level keys for too-large records.
	Fields []string
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonTooManyKeys:
		return fmt.Sprintf("too many keys in record (%d keys, limit %d)", e.Keys, MaxKeys)
	case ReasonTooLarge:
		return fmt.Sprintf("record too large (%d bytes, limit %d) with keys: %v", e.Size, MaxRowBytes, e.Fields)
	default:
		return "invalid record: " + e.Reason
	}
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// EncodingError is returned when neither the direct msgpack encoding nor the
// JSON round-trip fallback could serialize a record.
type EncodingError struct {
	Direct   error
	Fallback error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode record: direct: %v; json fallback: %v", e.Direct, e.Fallback)
}

// Unwrap exposes both causes.
func (e *EncodingError) Unwrap() []error {
	return []error{e.Direct, e.Fallback}
}

// Is makes errors.Is(err, ErrEncoding) true.
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}
