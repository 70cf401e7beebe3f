/*
errors.go - Error taxonomy for the approval engine

ERROR CATEGORIES:
  1. Workflow errors - NotEligible, InvalidTransition, MissingReason
  2. Concurrency errors - StaleVersion (retry once after a fresh read)
  3. Ledger errors - InsufficientBalance, DuplicateLedgerEntry
  4. Store errors - PersistenceUnavailable (caller retries with backoff)

USAGE:
  if errors.Is(err, approval.ErrNotEligible) {
      var ne *approval.NotEligibleError
      errors.As(err, &ne)
  }
*/
package approval

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotEligible is returned when the actor's role or hierarchy position
	// does not permit the transition.
	ErrNotEligible = errors.New("not eligible")

	// ErrInvalidTransition is returned when the target status is unreachable
	// from the current status under any rule.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingReason is returned when rejecting or reverting without a reason.
	ErrMissingReason = errors.New("reason is required")

	// ErrStaleVersion is returned when the entity changed since it was read.
	ErrStaleVersion = errors.New("stale version")

	// ErrInsufficientBalance is returned when a withdrawal debit would drive
	// the balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateLedgerEntry is an idempotency violation on the ledger.
	// Never ignored: it means a second balance effect was attempted.
	ErrDuplicateLedgerEntry = errors.New("duplicate ledger entry")

	// ErrPersistenceUnavailable wraps store failures. Safe to retry with backoff.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned for malformed intake requests.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotEligibleError explains why an actor was refused.
type NotEligibleError struct {
	Actor  Principal
	Reason string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s (actor %s, role %s)", e.Reason, e.Actor.ID, e.Actor.Role)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// InvalidTransitionError names the unreachable edge.
type InvalidTransitionError struct {
	Kind Kind
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Kind, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("balance too low to approve this withdrawal: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateLedgerEntryError identifies the entity that already has an
// active balance effect.
type DuplicateLedgerEntryError struct {
	EntityID EntityID
	Active   int
}

func (e *DuplicateLedgerEntryError) Error() string {
	return fmt.Sprintf("duplicate ledger entry for entity %s (active postings: %d)", e.EntityID, e.Active)
}

func (e *DuplicateLedgerEntryError) Unwrap() error { return ErrDuplicateLedgerEntry }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMissingReason) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// isDomainError reports whether err already belongs to the taxonomy.
func isDomainError(err error) bool {
	return IsClientError(err) ||
		IsNotFound(err) ||
		errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrDuplicateLedgerEntry) ||
		errors.Is(err, ErrPersistenceUnavailable)
}

// persistenceError wraps unexpected store failures as PersistenceUnavailable.
// The store error stays in the chain so callers can still match it.
func persistenceError(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}

// PersistenceError wraps a store failure seen outside this package.
func PersistenceError(op string, err error) error {
	return persistenceError(op, err)
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMissingReason):
		return "missing_reason"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, ErrDuplicateLedgerEntry):
		return "duplicate_ledger_entry"
	case errors.Is(err, ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "persistence_unavailable"
	default:
		return "internal"
	}
}
