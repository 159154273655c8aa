package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies adapter-boundary failures into the retry taxonomy.
type ErrorKind string

const (
	// Transient kinds — safe to retry with backoff.
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindRateLimited ErrorKind = "rate_limited"

	// Permanent kinds — never retried; surfaced as rejections.
	KindValidation        ErrorKind = "validation"
	KindAuth              ErrorKind = "auth"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindNotFound          ErrorKind = "not_found"
	KindRejected          ErrorKind = "order_rejected"
	KindUnsupported       ErrorKind = "unsupported"
)

// OrderError wraps an external failure with its retry classification.
type OrderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *OrderError) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindUnavailable, KindRateLimited:
		return true
	}
	return false
}

// IsTransient reports whether err carries a transient OrderError.
func IsTransient(err error) bool {
	var oe *OrderError
	return errors.As(err, &oe) && oe.Transient()
}

// wrapErr builds an OrderError for a given operation.
func wrapErr(op string, kind ErrorKind, err error) error {
	return &OrderError{Kind: kind, Op: op, Err: err}
}

// kindFromStatus maps an HTTP status code to an error kind.
func kindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	case code >= 500:
		return KindUnavailable
	default:
		return KindRejected
	}
}
