package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/payments"
)

const (
	maxReasonLength = 480

	compensationEventRefunded     = "order.compensation.refunded"
	compensationEventRefundFailed = "order.refund_failed"
	compensationEventLedgerFailed = "order.compensation.ledger_write_failed"
)

var errNoPaymentIntent = errors.New("order has no captured payment to refund")

// CompensationEngineDeps bundles collaborators required to construct the engine.
type CompensationEngineDeps struct {
	Payments      PaymentGateway
	Ledger        OrderLedger
	Notifications NotificationDispatcher
	Metrics       *PipelineMetrics
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type compensationEngine struct {
	payments      PaymentGateway
	ledger        OrderLedger
	notifications NotificationDispatcher
	metrics       *PipelineMetrics
	policy        *bluemonday.Policy
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

var _ CompensationEngine = (*compensationEngine)(nil)

// NewCompensationEngine constructs the refund-and-close engine.
func NewCompensationEngine(deps CompensationEngineDeps) (CompensationEngine, error) {
	if deps.Payments == nil {
		return nil, errors.New("compensation engine: payment gateway is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("compensation engine: ledger is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &compensationEngine{
		payments:      deps.Payments,
		ledger:        deps.Ledger,
		notifications: deps.Notifications,
		metrics:       deps.Metrics,
		policy:        bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Compensate refunds the full order total and only then closes the order:
// cancelled when the refund went through, error when it did not.
func (e *compensationEngine) Compensate(ctx context.Context, order domain.Order, cause error) (domain.Order, error) {
	reason := e.sanitize(failureReason(cause))
	if reason == "" {
		reason = "unknown error"
	}

	if err := e.beginRefund(ctx, order); err != nil {
		return domain.Order{}, err
	}
	refund, err := e.refund(ctx, order, "fulfillment_failed")
	if err != nil {
		return e.escalate(ctx, order, "fulfillment failed and refund failed: "+reason, reason, err)
	}

	updated, err := e.recordCancellation(ctx, order, Resolution{
		Reason: "fulfillment failed: " + reason,
		Refund: &refund,
	})
	if err != nil {
		e.logLedgerFailure(ctx, order, domain.OrderStatusCancelled, err)
		return domain.Order{}, err
	}
	e.metrics.Compensation(ctx, true)
	e.logger(ctx, compensationEventRefunded, map[string]any{
		"orderId":  order.ID,
		"refundId": refund.ID,
		"amount":   refund.Amount,
		"reason":   reason,
	})

	if e.notifications != nil {
		e.notifications.DispatchOrderFailed(ctx, OrderFailedMessage{
			OrderID:         order.ID,
			OrderNumber:     order.Number,
			UserID:          order.UserID,
			Email:           order.ShippingAddress.Email,
			Reason:          reason,
			Refunded:        true,
			RefundedAmount:  refund.Amount,
			Currency:        order.Currency,
			FormattedAmount: formatMinorUnits(order.Currency, refund.Amount),
			OccurredAt:      e.clock(),
		})
	}
	return updated, nil
}

// CancelPaid refunds a paid order the customer or an operator asked to cancel.
func (e *compensationEngine) CancelPaid(ctx context.Context, order domain.Order, reason string) (domain.Order, error) {
	reason = e.sanitize(reason)
	if reason == "" {
		reason = "cancelled on request"
	}

	if err := e.beginRefund(ctx, order); err != nil {
		return domain.Order{}, err
	}
	refund, err := e.refund(ctx, order, "requested_by_customer")
	if err != nil {
		return e.escalate(ctx, order, "cancellation refund failed: "+reason, reason, err)
	}

	updated, err := e.recordCancellation(ctx, order, Resolution{Reason: reason, Refund: &refund})
	if err != nil {
		e.logLedgerFailure(ctx, order, domain.OrderStatusCancelled, err)
		return domain.Order{}, err
	}
	e.metrics.Compensation(ctx, true)
	e.logger(ctx, compensationEventRefunded, map[string]any{
		"orderId":  order.ID,
		"refundId": refund.ID,
		"amount":   refund.Amount,
		"reason":   reason,
	})
	return updated, nil
}

// recordCancellation stores the refund and cancels the order, retrying transient
// datastore failures.
func (e *compensationEngine) recordCancellation(ctx context.Context, order domain.Order, res Resolution) (domain.Order, error) {
	res.AttemptID = order.Fulfillment.SubmissionAttemptID
	return recordWithRetry(ctx, func(ctx context.Context) (domain.Order, error) {
		return e.ledger.MarkCancelled(ctx, order.ID, res)
	})
}

func (e *compensationEngine) refund(ctx context.Context, order domain.Order, reason string) (RefundRef, error) {
	if strings.TrimSpace(order.Payment.IntentID) == "" {
		return RefundRef{}, errNoPaymentIntent
	}
	res, err := e.payments.Refund(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, payments.RefundRequest{
		IntentID: order.Payment.IntentID,
		Amount:   order.Totals.Total,
		Reason:   reason,
		// One refund per order, however often compensation is replayed.
		IdempotencyKey: "refund:" + order.ID,
		Metadata: map[string]string{
			"order_id":     order.ID,
			"order_number": order.Number,
		},
	})
	if err != nil {
		return RefundRef{}, err
	}
	amount := res.Amount
	if amount <= 0 {
		amount = order.Totals.Total
	}
	return RefundRef{ID: res.ID, Amount: amount}, nil
}

// beginRefund persists the refund marker before money moves. The refund is not
// attempted when the marker cannot be written.
func (e *compensationEngine) beginRefund(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.Payment.IntentID) == "" {
		return nil
	}
	if _, err := e.ledger.BeginRefund(ctx, order.ID, order.Fulfillment.SubmissionAttemptID); err != nil {
		e.logLedgerFailure(ctx, order, order.Status, err)
		return fmt.Errorf("compensation engine: mark refund started: %w", err)
	}
	return nil
}

// escalate records a failed refund. The order ends in the error state and the
// failure is logged at the highest severity for operators.
func (e *compensationEngine) escalate(ctx context.Context, order domain.Order, status string, cause string, refundErr error) (domain.Order, error) {
	e.metrics.Compensation(ctx, false)
	e.logger(ctx, compensationEventRefundFailed, map[string]any{
		"severity": "ERROR",
		"orderId":  order.ID,
		"intentId": order.Payment.IntentID,
		"amount":   order.Totals.Total,
		"currency": order.Currency,
		"cause":    cause,
		"error":    refundErr.Error(),
	})

	failure := &RefundFailureError{OrderID: order.ID, Amount: order.Totals.Total, Cause: cause, Err: refundErr}
	updated, err := recordWithRetry(ctx, func(ctx context.Context) (domain.Order, error) {
		return e.ledger.MarkError(ctx, order.ID, Resolution{
			Reason:    e.truncate(status),
			AttemptID: order.Fulfillment.SubmissionAttemptID,
		})
	})
	if err != nil {
		e.logLedgerFailure(ctx, order, domain.OrderStatusError, err)
		return domain.Order{}, errors.Join(failure, err)
	}
	return updated, failure
}

func (e *compensationEngine) logLedgerFailure(ctx context.Context, order domain.Order, target domain.OrderStatus, err error) {
	e.logger(ctx, compensationEventLedgerFailed, map[string]any{
		"severity": "ERROR",
		"orderId":  order.ID,
		"target":   string(target),
		"error":    err.Error(),
	})
}

// sanitize strips markup from partner-provided text and bounds its length.
func (e *compensationEngine) sanitize(reason string) string {
	cleaned := html.UnescapeString(e.policy.Sanitize(reason))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return e.truncate(cleaned)
}

func (e *compensationEngine) truncate(value string) string {
	if utf8.RuneCountInString(value) <= maxReasonLength {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxReasonLength-1]) + "…"
}

// formatMinorUnits renders an amount such as "USD 49.17" using the currency's
// standard scale.
func formatMinorUnits(code string, minor int64) string {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return fmt.Sprintf("%d %s", minor, strings.ToUpper(code))
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(minor) / math.Pow10(scale)
	return fmt.Sprintf("%s %.*f", unit, scale, value)
}
