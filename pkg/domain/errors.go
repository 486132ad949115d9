package domain

import (
	"errors"
	"fmt"
)

// Business rejections returned by the authorization guard.
var (
	// ErrUnauthorizedActor reports a caller that does not hold the authority
	// the operation requires (creator for finalize, current holder otherwise).
	ErrUnauthorizedActor = errors.New("actor is not authorized for this action")
	// ErrBatchIsFinalized reports an in-progress-only operation on a batch
	// that is no longer in progress.
	ErrBatchIsFinalized = errors.New("batch is finalized and cannot be changed")
)

// Storage-layer failures. They abort the operation but are not business rejections.
var (
	ErrNotFound           = errors.New("record not found")
	ErrAddressOccupied    = errors.New("record address already occupied")
	ErrInsufficientSpace  = errors.New("record exceeds declared space")
	ErrStageIndexOverflow = errors.New("stage index counter overflow")
)

// GuardError wraps a guard rejection with the operation context.
type GuardError struct {
	Op     string
	Batch  string
	Caller Identity
	Err    error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s batch %s by %q: %v", e.Op, e.Batch, e.Caller, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// RecordError wraps a storage failure with the record it concerns.
type RecordError struct {
	Entity  EntityType
	Address string
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Entity, e.Address, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// IsBusinessRejection reports whether err is one of the guard rejections.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrUnauthorizedActor) || errors.Is(err, ErrBatchIsFinalized)
}
