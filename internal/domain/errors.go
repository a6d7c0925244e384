package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

var (
	// ErrStoreUnavailable is a transient blob store failure. Safe to retry.
	ErrStoreUnavailable = errors.New("blob store unavailable")

	ErrBatchTooLarge = errors.New("batch too large")
	ErrEmptyBatch    = errors.New("batch is empty")

	// ErrRecordWriteFailed is only dangerous after a ledger confirmation.
	ErrRecordWriteFailed = errors.New("identity record write failed")

	ErrTransitionRejected = errors.New("transition rejected")
	ErrUserRejected       = errors.New("signer rejected the request")
	ErrSagaInProgress     = errors.New("another sync is in progress for this identity")
	ErrUnauthorized       = errors.New("not the owner of this identity")
	ErrNotPublished       = errors.New("identity has never published")
	ErrInvalidInput       = errors.New("invalid input")
)

// TransitionRejectedError carries the ledger or signer reason verbatim.
type TransitionRejectedError struct {
	Reason string
	Cause  error
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition rejected: %s", e.Reason)
}

func (e *TransitionRejectedError) Is(target error) bool {
	return target == ErrTransitionRejected
}

func (e *TransitionRejectedError) Unwrap() error {
	return e.Cause
}

func RejectTransition(cause error) *TransitionRejectedError {
	return &TransitionRejectedError{Reason: cause.Error(), Cause: cause}
}

// BatchTooLargeError reports how many items were offered against the ceiling.
type BatchTooLargeError struct {
	Count int
	Limit int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch too large: %d items (limit %d)", e.Count, e.Limit)
}

func (e *BatchTooLargeError) Is(target error) bool {
	return target == ErrBatchTooLarge
}
