package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is the root of every input rejection raised before a write.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound indicates an unknown product, location, transfer or record.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidStateTransition indicates a lifecycle move that is not allowed.
	ErrInvalidStateTransition = errors.New("ledger: invalid state transition")
	// ErrAlreadyDecided is returned when approving or rejecting a transfer that is no longer pending.
	ErrAlreadyDecided = fmt.Errorf("%w: transfer already decided", ErrInvalidStateTransition)
	// ErrConsistency is matched by every ConsistencyFailure.
	ErrConsistency = errors.New("ledger: chain propagation interrupted")

	// ErrRecordNotFound is returned by repositories when no record exists for the day.
	ErrRecordNotFound = fmt.Errorf("%w: ledger record", ErrNotFound)
	// ErrTransferNotFound is returned by repositories for unknown transfers.
	ErrTransferNotFound = fmt.Errorf("%w: transfer", ErrNotFound)
	// ErrProductNotFound is returned by catalogs for unknown products.
	ErrProductNotFound = fmt.Errorf("%w: product", ErrNotFound)
	// ErrLocationNotFound is returned when a location does not exist.
	ErrLocationNotFound = fmt.Errorf("%w: location", ErrNotFound)
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ledger: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("ledger: validation failed: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConsistencyFailure reports a ripple that stopped mid-chain. Days up to
// LastWrittenDay are correct; later days keep a stale opening until the
// propagation is resumed from LastWrittenDay (or FailedDay when nothing was written).
type ConsistencyFailure struct {
	Chain          ChainKey
	FailedDay      time.Time
	LastWrittenDay *time.Time
	Err            error
}

func (e *ConsistencyFailure) Error() string {
	last := "none"
	if e.LastWrittenDay != nil {
		last = e.LastWrittenDay.Format(DayLayout)
	}
	return fmt.Sprintf("ledger: chain %s propagation stopped at %s (last written %s): %v",
		e.Chain, e.FailedDay.Format(DayLayout), last, e.Err)
}

// Unwrap exposes both the sentinel and the storage cause.
func (e *ConsistencyFailure) Unwrap() []error {
	return []error{ErrConsistency, e.Err}
}

// ResumeDay is the day a retry should propagate from.
func (e *ConsistencyFailure) ResumeDay() time.Time {
	if e.LastWrittenDay != nil {
		return *e.LastWrittenDay
	}
	return e.FailedDay
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
