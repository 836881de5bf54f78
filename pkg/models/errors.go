package models

import "fmt"

// ErrorKind is the closed taxonomy of errors surfaced across the core's
// public boundary. Internal components may wrap richer causes,
// but only a Kind and a short message cross a component boundary.
type ErrorKind string

const (
	ErrRejectedOverload ErrorKind = "rejected-overload"
	ErrAdapterUnknown   ErrorKind = "adapter-unknown"
	ErrCancelled        ErrorKind = "cancelled"
	ErrTimedOut         ErrorKind = "timed_out"
	ErrNoService        ErrorKind = "no-service"
	ErrCapabilityUnknown ErrorKind = "capability-unknown"
	ErrServiceError     ErrorKind = "service-error"
	ErrTransportError   ErrorKind = "transport-error"
	ErrInternal         ErrorKind = "internal-error"

	// Persistence Port error kinds.
	ErrNotFound  ErrorKind = "not-found"
	ErrTransient ErrorKind = "transient"
	ErrPermanent ErrorKind = "permanent"
)

// CoreError is the taxonomy-carrying error type returned across package
// boundaries. It keeps an optional cause for logs without leaking it to
// callers that only care about Kind.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewError builds a CoreError with the given kind and message.
func NewError(kind ErrorKind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap builds a CoreError carrying cause as its internal diagnostic chain.
func Wrap(kind ErrorKind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrInternal for
// errors that were never classified into the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if ok := asCoreError(err, &ce); ok {
		return ce.Kind
	}
	return ErrInternal
}

func asCoreError(err error, target **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
