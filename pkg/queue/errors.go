package queue

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps failures to reach the backing store. The
// worker logs these and moves on; the claimed row recovers via its lease.
var ErrStoreUnavailable = errors.New("queue: backing store unreachable")

// RequestError reports a non-2xx response from the backing store API.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("queue %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether the failure is worth another attempt:
// transport errors and server-side 5xx are, client errors are not.
func (e *RequestError) Retryable() bool {
	return e.StatusCode >= 500
}

// UploadError is the terminal error after upload retries are exhausted.
type UploadError struct {
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("queue upload: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
