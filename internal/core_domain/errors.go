package core_domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the provider boundary. Nothing
// provider-specific (SDK errors, HTTP client internals) crosses past an
// adapter; callers only ever see one of these kinds.
type ErrorKind string

const (
	// ErrorKindTransient covers rate limits and network timeouts; retried at
	// the point of call, surfaced only when retries exhaust.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPartialData covers one skippable unit failing inside a larger
	// operation that continues.
	ErrorKindPartialData ErrorKind = "partial_data"
	// ErrorKindConfig covers missing/invalid credentials and similar
	// user-actionable problems; fail fast, no retry.
	ErrorKindConfig ErrorKind = "config"
	// ErrorKindNotFound covers expected absence (no transcript yet, deleted
	// contact); a steady state, not a failure.
	ErrorKindNotFound ErrorKind = "not_found"
)

// DomainError carries an ErrorKind across the adapter boundary.
type DomainError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError wraps err with a taxonomy kind.
func NewDomainError(kind ErrorKind, op string, err error) *DomainError {
	return &DomainError{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindTransient
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindConfig
}

// IsNotFound reports whether err represents expected absence.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	k, ok := kindOf(err)
	return ok && k == ErrorKindNotFound
}

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrNoSendingNumber is returned when a send has no explicit sender and
	// the workspace owns no usable number.
	ErrNoSendingNumber = errors.New("no usable sending number configured")
	// ErrRunActive is returned when a sync start races an already-running run.
	ErrRunActive = errors.New("a sync run is already active for this workspace")
	// ErrInvalidCredentials is returned when a provider rejects a credential
	// bundle during validation.
	ErrInvalidCredentials = errors.New("provider rejected credentials")
	// ErrDuplicateEntry is returned on unique constraint violations.
	ErrDuplicateEntry = errors.New("duplicate entry")
)
