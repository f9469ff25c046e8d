package record

import (
	"errors"
	"fmt"
)

// Kind classifies why an event could not be decoded
type Kind int

const (
	// KindMalformed means the input is JSON but misses required fields or has the wrong shape
	KindMalformed Kind = iota + 1
	// KindInvalidEncoding means the input is not well-formed JSON at all
	KindInvalidEncoding
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed structure"
	case KindInvalidEncoding:
		return "invalid encoding"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Parse when a raw event cannot become a LogRecord
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log event: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Type returns the error class name used in diagnostics
func (e *DecodeError) Type() string {
	return "DecodeError"
}

// IsKind reports whether err is a DecodeError of the given kind
func IsKind(err error, kind Kind) bool {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

func malformed(format string, a ...any) *DecodeError {
	return &DecodeError{Kind: KindMalformed, Err: fmt.Errorf(format, a...)}
}
