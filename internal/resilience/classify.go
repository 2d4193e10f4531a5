package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an upstream failure for retry purposes.
type Kind int

const (
	// KindTransient covers timeouts, connection resets and other network
	// hiccups. Retried per policy, never surfaced directly.
	KindTransient Kind = iota

	// KindRateLimited covers explicit throttling responses. Retried with
	// backoff; surfaced as unavailable once retries exhaust.
	KindRateLimited

	// KindUnavailable covers 5xx-style upstream outages.
	KindUnavailable

	// KindAuth covers authentication and authorization failures. Fatal:
	// retrying cannot fix a configuration problem.
	KindAuth

	// KindFatal covers everything else that retrying cannot fix.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindUnavailable:
		return "unavailable"
	case KindAuth:
		return "auth"
	default:
		return "fatal"
	}
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// ClassifiedError attaches a Kind to an underlying error. Packages that talk
// to the upstream wallet wrap their errors this way so the retry policies can
// classify without depending on transport details.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError wraps err with an explicit kind.
func NewError(kind Kind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify determines the failure kind of an arbitrary error. Errors already
// carrying a Kind keep it; context cancellation is fatal (the caller asked to
// stop); network-level errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindFatal
}
