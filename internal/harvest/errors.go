package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput marks malformed targets or requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a missing account, record, or strategy.
	ErrNotFound = errors.New("not found")
)

// ErrorKind classifies remote failures for the invoker.
type ErrorKind int

// Remote error kinds.
const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// RemoteError is returned by RemoteClient implementations.
type RemoteError struct {
	Kind    ErrorKind
	Status  int
	Message string
	// Quota carries the rate-limit headers of the failed response, if any.
	Quota *QuotaMeta
	Err   error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("remote %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ResetAt returns the authoritative reset time carried by the error.
func (e *RemoteError) ResetAt() time.Time {
	if e.Quota == nil {
		return time.Time{}
	}
	return e.Quota.ResetAt
}

// NewQuotaExceeded builds a QuotaExceeded error with an optional reset time.
func NewQuotaExceeded(status int, msg string, quota *QuotaMeta) *RemoteError {
	return &RemoteError{Kind: KindQuotaExceeded, Status: status, Message: msg, Quota: quota}
}

// NewTransient wraps err as a retryable remote failure.
func NewTransient(status int, err error) *RemoteError {
	return &RemoteError{Kind: KindTransient, Status: status, Err: err}
}

// NewPermanent builds a non-retryable remote failure.
func NewPermanent(status int, msg string) *RemoteError {
	return &RemoteError{Kind: KindPermanent, Status: status, Message: msg}
}

// KindOf classifies err. Errors that are not RemoteErrors are treated as
// transient, except context cancellation which is permanent.
func KindOf(err error) ErrorKind {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		return KindPermanent
	}
	return KindTransient
}

// QuotaOf returns the quota meta attached to err, if any.
func QuotaOf(err error) *QuotaMeta {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Quota
	}
	return nil
}

// QuotaExhaustedError is returned when both the retry and rotation budgets
// of one invocation are spent. It ends the strategy run.
type QuotaExhaustedError struct {
	Category  string
	Retries   int
	Rotations int
	Err       error
}

func (e *QuotaExhaustedError) Error() string {
	msg := fmt.Sprintf("quota exhausted for %s after %d retries and %d rotations", e.Category, e.Retries, e.Rotations)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *QuotaExhaustedError) Unwrap() error {
	return e.Err
}

// IsQuotaExhausted reports whether err ends the current strategy run.
func IsQuotaExhausted(err error) bool {
	var exhausted *QuotaExhaustedError
	return errors.As(err, &exhausted)
}
