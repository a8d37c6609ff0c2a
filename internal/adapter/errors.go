package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTransient marks a failure worth retrying: timeouts, throttling and
// server errors.
var ErrTransient = errors.New("transient failure")

// PermanentError is a failure that retrying cannot fix, such as a rejected
// request or a failure that persisted through every retry.
type PermanentError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ModelError is returned by [GenerationModel] implementations.
type ModelError struct {
	Model string
	// Retriable reports whether a later run might succeed (rate limits,
	// overload). The adapter has already exhausted its own retries.
	Retriable bool
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Is makes 429 and 5xx responses match [ErrTransient].
func (e *StatusError) Is(target error) bool {
	return target == ErrTransient && RetryableStatus(e.StatusCode)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// IsRetryable classifies an error from a single attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Permanent wraps err as a [*PermanentError] for service/op, keeping any
// HTTP status code found in the chain.
func Permanent(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	pe := &PermanentError{Service: service, Op: op, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.StatusCode
	}
	return pe
}
