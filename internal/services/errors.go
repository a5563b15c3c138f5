package services

import (
	"errors"
	"fmt"
)

var (
	// ErrLowConfidence routes the ticket to the manual queue; it is not a failure.
	ErrLowConfidence = errors.New("classification below confidence floor")
	// ErrNoPlanAvailable means diagnosis produced no remediation plan.
	ErrNoPlanAvailable = errors.New("no remediation plan available")
	// ErrPolicyMisconfigured means no active policy exists for the category; the plan is gated.
	ErrPolicyMisconfigured = errors.New("automation policy missing or inactive")

	ErrTimeout           = errors.New("adapter call timed out")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrRollbackFailed    = errors.New("rollback failed")
	ErrExecutionInFlight = errors.New("ticket already has a pending or running execution")
	ErrCancelled         = errors.New("execution cancelled: ticket closed")
	ErrRetryLimitReached = errors.New("manual retry limit reached")

	ErrApprovalConflict  = errors.New("approval request already decided")
	ErrUnauthorizedActor = errors.New("an authorized actor is required")

	ErrInvalidTransition = errors.New("invalid ticket status transition")
	ErrStaleTicket       = errors.New("ticket changed concurrently")
	ErrTicketClosed      = errors.New("ticket is closed")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrApprovalNotFound  = errors.New("approval request not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// AdapterError wraps a failure reported by an integration adapter.
type AdapterError struct {
	Adapter string
	Action  string
	Cause   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Adapter, e.Action, e.Cause)
}

func (e *AdapterError) Unwrap() error { return e.Cause }
