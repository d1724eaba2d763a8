package decoder

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when the payload is not structured data of the expected shape.
	ErrMalformed = errors.New("malformed payload")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrInvalidField is returned when a field has the wrong type or an out-of-range value.
	ErrInvalidField = errors.New("invalid field")
)

// DecodeError names the wire field that failed validation. Field is
// "payload" when the input could not be parsed at all.
type DecodeError struct {
	Field  string
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s: %v: %s", e.Field, e.Err, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FieldOf returns the field named by a DecodeError, or "" for any other error.
func FieldOf(err error) string {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Field
	}
	return ""
}
