package logsapi

import (
	"fmt"
)

const maxExcerpt = 256

// SubscriptionError is returned when the Logs API subscription handshake fails
type SubscriptionError struct {
	StatusCode int // 0 on transport failure
	Body       string
	Err        error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to subscribe to logs API: %v", e.Err)
	}
	return fmt.Sprintf("subscribe failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// BatchDecodeError means a pushed body was not a JSON sequence of events.
// Nothing from such a batch is buffered.
type BatchDecodeError struct {
	Excerpt string
	Err     error
}

func (e *BatchDecodeError) Error() string {
	return fmt.Sprintf("decode log batch: %v", e.Err)
}

func (e *BatchDecodeError) Unwrap() error {
	return e.Err
}

// Type returns the error class name used in diagnostics
func (e *BatchDecodeError) Type() string {
	return "BatchDecodeError"
}

func excerpt(b []byte) string {
	if len(b) > maxExcerpt {
		return string(b[:maxExcerpt]) + "..."
	}
	return string(b)
}
