/*
errors.go - Error taxonomy for the matching engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels and errors.As on the structured types for display details.

ERROR CATEGORIES:
  1. Selection errors - chosen cardinality does not fit the counts
  2. Allocation errors - policy gaps and user-correctable planning failures
  3. Invariant errors - conservation failures (internal, logged)
  4. Concurrency errors - version conflicts and consumed balances
  5. Lookup errors - missing schedules, lines, groups

PROPAGATION:
  Selection and allocation errors are returned to the caller as typed
  values for display. Conservation errors abort before anything is written.
  A reverse on a group with nothing Applied is NOT an error; see
  ReverseResult.AlreadyReversed.

SEE ALSO:
  - selection.go, allocation.go, executor.go: producers
  - api/handlers.go: HTTP status mapping
*/
package recon

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSelectionIncompatible means the cardinality does not match the number
	// of selected lines and schedules.
	ErrSelectionIncompatible = errors.New("selection incompatible with cardinality")

	// ErrAllocationPolicyUnsupported means no automatic plan exists for the
	// request, e.g. many-to-many without an explicit matrix.
	ErrAllocationPolicyUnsupported = errors.New("allocation policy unsupported")

	// ErrAllocationRejected means the selection is well-formed but the money
	// does not fit (partial amount too large, overpayment not accepted, ...).
	ErrAllocationRejected = errors.New("allocation rejected")

	// ErrConservationViolation means a computed plan does not add up.
	ErrConservationViolation = errors.New("allocation conservation violated")

	// ErrConcurrentModification is returned when an optimistic version check
	// fails or an entity lock cannot be obtained.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrBalanceConsumed means a line no longer has the unallocated balance
	// the plan requires, typically because another apply got there first.
	ErrBalanceConsumed = errors.New("deposit line balance already consumed")

	ErrScheduleNotFound   = errors.New("revenue schedule not found")
	ErrLineNotFound       = errors.New("deposit line not found")
	ErrMatchGroupNotFound = errors.New("match group not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SelectionError reports a cardinality/count mismatch. It is never coerced
// into a different cardinality.
type SelectionError struct {
	Cardinality   CardinalityType `json:"cardinality"`
	LineCount     int             `json:"line_count"`
	ScheduleCount int             `json:"schedule_count"`
	Detected      CardinalityType `json:"detected,omitempty"`
}

func (e *SelectionError) Error() string {
	msg := fmt.Sprintf("%s requires %s, got %d line(s) and %d schedule(s)",
		e.Cardinality, cardinalityRule(e.Cardinality), e.LineCount, e.ScheduleCount)
	if e.Detected != "" {
		msg += fmt.Sprintf("; selection looks like %s", e.Detected)
	}
	return msg
}

func (e *SelectionError) Unwrap() error { return ErrSelectionIncompatible }

// PolicyError reports a request the planner deliberately does not attempt.
type PolicyError struct {
	Cardinality CardinalityType `json:"cardinality"`
	Guidance    string          `json:"guidance"`
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cardinality, e.Guidance)
}

func (e *PolicyError) Unwrap() error { return ErrAllocationPolicyUnsupported }

// AllocationError codes.
const (
	CodeInvalidAmount      = "invalid_amount"
	CodeExceedsRemaining   = "exceeds_remaining"
	CodeFullyAllocated     = "fully_allocated"
	CodeOverpayment        = "overpayment_not_accepted"
	CodeNoOutstanding      = "no_outstanding_balance"
	CodeUnknownPair        = "unknown_pair"
	CodeScheduleIneligible = "schedule_ineligible"
	CodeInvalidCardinality = "invalid_cardinality"
)

// AllocationError is a user-correctable planning failure.
type AllocationError struct {
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	LineID     LineID     `json:"line_id,omitempty"`
	ScheduleID ScheduleID `json:"schedule_id,omitempty"`
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AllocationError) Unwrap() error { return ErrAllocationRejected }

// ConservationError carries the totals that failed to balance.
type ConservationError struct {
	Axis     string // "usage" or "commission"
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("%s not conserved: source %s, allocated %s (diff %s)",
		e.Axis, e.Expected, e.Actual, e.Actual.Sub(e.Expected))
}

func (e *ConservationError) Unwrap() error { return ErrConservationViolation }

// BalanceConsumedError reports a line whose remaining balance cannot cover
// the plan any more.
type BalanceConsumedError struct {
	LineID    LineID          `json:"line_id"`
	Axis      string          `json:"axis"`
	Remaining decimal.Decimal `json:"remaining"`
	Requested decimal.Decimal `json:"requested"`
}

func (e *BalanceConsumedError) Error() string {
	return fmt.Sprintf("line %s %s: remaining %s, requested %s",
		e.LineID, e.Axis, e.Remaining, e.Requested)
}

func (e *BalanceConsumedError) Unwrap() error { return ErrBalanceConsumed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the caller can fix the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSelectionIncompatible) ||
		errors.Is(err, ErrAllocationPolicyUnsupported) ||
		errors.Is(err, ErrAllocationRejected) ||
		errors.Is(err, ErrBalanceConsumed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrMatchGroupNotFound)
}
