package mailerlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies MailerLite API failures for logging and propagation policy.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindServer      Kind = "server"
	KindInternal    Kind = "internal"
)

// APIError is a classified MailerLite API failure.
type APIError struct {
	Kind       Kind
	StatusCode int
	Body       string
	RetryAfter time.Duration // from the Retry-After header on 429, zero otherwise
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mailerlite: %s (status %d): %s", e.Kind, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("mailerlite: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("mailerlite: %s", e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a 404 lookup miss. Not-found is a
// non-error for lookups; callers decide whether it is fatal.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsRateLimited reports whether err is an exhausted 429.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// retriable reports whether the failure may succeed on retry.
func retriable(k Kind) bool {
	switch k {
	case KindRateLimited, KindServer, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// classifyTransport maps transport-level errors onto the taxonomy.
func classifyTransport(err error) *APIError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Kind: KindTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &APIError{Kind: KindTimeout, Err: err}
	default:
		return &APIError{Kind: KindNetwork, Err: err}
	}
}
