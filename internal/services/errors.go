package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("orders: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("orders: not found")
	// ErrOrderPermissionDenied indicates the actor does not own the order or design.
	ErrOrderPermissionDenied = errors.New("orders: permission denied")
	// ErrInvalidTransition indicates the order is not in a state that allows the change.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	// ErrOrderConflict indicates a duplicate insert or a lost optimistic race.
	ErrOrderConflict = errors.New("orders: conflict")
	// ErrFulfillmentAlreadyRecorded rejects a resend for an order that already has a partner reference.
	ErrFulfillmentAlreadyRecorded = errors.New("orders: fulfillment already recorded")
	// ErrAlreadySubmitted is returned by the submitter when a partner reference exists.
	ErrAlreadySubmitted = errors.New("orders: already submitted to partner")
	// ErrSubmissionInProgress indicates another attempt holds the submission lease.
	ErrSubmissionInProgress = errors.New("orders: submission in progress")
	// ErrSubmissionLeaseLost indicates another attempt took over the submission lease.
	ErrSubmissionLeaseLost = errors.New("orders: submission lease lost")
	// ErrCompensationPending blocks submission for an order whose refund has started.
	ErrCompensationPending = errors.New("orders: refund in progress")
	// ErrLedgerInvariant marks an attempt to persist inconsistent totals.
	ErrLedgerInvariant = errors.New("orders: ledger invariant violated")
	// ErrRepositoryUnavailable indicates the datastore could not serve the request.
	ErrRepositoryUnavailable = errors.New("orders: repository unavailable")
)

// Problem is one entry of a validation failure.
type Problem struct {
	Field     string `json:"field"`
	VariantID string `json:"variantId,omitempty"`
	Message   string `json:"message"`
}

// ValidationError lists every problem found in a checkout request. Retryable is
// set when the failure came from an unavailable dependency rather than bad input.
type ValidationError struct {
	Problems  []Problem
	Retryable bool
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "orders: validation failed"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		switch {
		case p.VariantID != "":
			parts = append(parts, fmt.Sprintf("variant %s: %s", p.VariantID, p.Message))
		case p.Field != "":
			parts = append(parts, fmt.Sprintf("%s: %s", p.Field, p.Message))
		default:
			parts = append(parts, p.Message)
		}
	}
	return "orders: validation failed: " + strings.Join(parts, "; ")
}

// DesignNotPrintableError rejects a checkout whose design has no front image.
type DesignNotPrintableError struct {
	DesignID string
}

func (e *DesignNotPrintableError) Error() string {
	return fmt.Sprintf("orders: design %s has no printable front image", e.DesignID)
}

// PaymentNotCompletedError is returned when a session has not been paid.
type PaymentNotCompletedError struct {
	SessionID string
	Status    string
}

func (e *PaymentNotCompletedError) Error() string {
	return fmt.Sprintf("orders: payment for session %s not completed (status %s)", e.SessionID, e.Status)
}

// NoFulfillableItemsError is returned when every item of an order was skipped.
type NoFulfillableItemsError struct {
	OrderID string
	Items   []ItemResult
}

func (e *NoFulfillableItemsError) Error() string {
	reasons := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		if item.Reason != "" {
			reasons = append(reasons, item.ItemID+": "+item.Reason)
		}
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("orders: order %s has no fulfillable items", e.OrderID)
	}
	return fmt.Sprintf("orders: order %s has no fulfillable items (%s)", e.OrderID, strings.Join(reasons, "; "))
}

// FulfillmentSubmissionError wraps a failed partner submission. Message keeps the
// partner's own wording when it provided one.
type FulfillmentSubmissionError struct {
	OrderID string
	Message string
	Err     error
}

func (e *FulfillmentSubmissionError) Error() string {
	return fmt.Sprintf("orders: fulfillment submission for %s failed: %s", e.OrderID, e.Message)
}

func (e *FulfillmentSubmissionError) Unwrap() error { return e.Err }

// RefundFailureError reports captured money that could not be returned. The order
// is left in the error state for operator follow-up.
type RefundFailureError struct {
	OrderID string
	Amount  int64
	Cause   string
	Err     error
}

func (e *RefundFailureError) Error() string {
	return fmt.Sprintf("orders: refund of %d for %s failed after %s: %v", e.Amount, e.OrderID, e.Cause, e.Err)
}

func (e *RefundFailureError) Unwrap() error { return e.Err }

// failureReason extracts the short, user-presentable reason from a fulfillment failure.
func failureReason(err error) string {
	var none *NoFulfillableItemsError
	if errors.As(err, &none) {
		return "no fulfillable items"
	}
	var submission *FulfillmentSubmissionError
	if errors.As(err, &submission) {
		return submission.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
