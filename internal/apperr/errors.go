// Package apperr holds the error taxonomy shared by ingestion and retrieval.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrTransientProvider      = errors.New("transient provider error")
	ErrPermanentProvider      = errors.New("permanent provider error")
	ErrDegradedRetrieval      = errors.New("degraded retrieval")
	ErrRetrievalUnavailable   = errors.New("retrieval unavailable")
	ErrPipelinePartialFailure = errors.New("pipeline partial failure")
)

// Invalid wraps a validation message as ErrInvalidParameter.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientProvider, err)
}

// Permanent marks err as not retryable within a run. Nil stays nil.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanentProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentProvider, err)
}

// FromHTTPStatus classifies a provider failure by its HTTP status code.
// 408, 425, 429 and 5xx are transient; every other 4xx is permanent.
// Codes outside the 4xx/5xx range leave err untouched.
func FromHTTPStatus(status int, err error) error {
	switch {
	case status == 408 || status == 425 || status == 429 || status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return err
	}
}

// IsRetryable reports whether another attempt may succeed.
// Unclassified network errors and deadlines count as transient;
// a cancelled context never does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanentProvider) || errors.Is(err, ErrInvalidParameter) {
		return false
	}
	if errors.Is(err, ErrTransientProvider) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
