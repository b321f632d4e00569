package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/payments"
)

const (
	pipelineEventCheckoutFailed    = "order.checkout.session_failed"
	pipelineEventAmountMismatch    = "order.payment.amount_mismatch"
	pipelineEventPaidAfterCancel   = "order.payment.after_cancel"
	pipelineEventRecordFailed      = "order.fulfillment.record_failed"
	pipelineEventReleaseFailed     = "order.fulfillment.release_failed"
	pipelineEventCompensationFail  = "order.compensation.failed"
	pipelineEventSessionExpireFail = "order.cancel.session_expire_failed"

	orderIDPlaceholder = "{ORDER_ID}"
)

// OrderPipelineDeps bundles the collaborators sequenced by the pipeline.
type OrderPipelineDeps struct {
	Validator    OrderValidator
	Ledger       OrderLedger
	Submitter    FulfillmentSubmitter
	Compensation CompensationEngine
	Payments     PaymentGateway
	Snapshotter  *DesignSnapshotter
	Metrics      *PipelineMetrics
	SuccessURL   string
	CancelURL    string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderPipeline struct {
	validator    OrderValidator
	ledger       OrderLedger
	submitter    FulfillmentSubmitter
	compensation CompensationEngine
	payments     PaymentGateway
	snapshotter  *DesignSnapshotter
	metrics      *PipelineMetrics
	successURL   string
	cancelURL    string
	clock        func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

var _ OrderPipeline = (*orderPipeline)(nil)

// NewOrderPipeline wires the checkout, payment and fulfillment flow.
func NewOrderPipeline(deps OrderPipelineDeps) (OrderPipeline, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("order pipeline: validator is required")
	case deps.Ledger == nil:
		return nil, errors.New("order pipeline: ledger is required")
	case deps.Submitter == nil:
		return nil, errors.New("order pipeline: fulfillment submitter is required")
	case deps.Compensation == nil:
		return nil, errors.New("order pipeline: compensation engine is required")
	case deps.Payments == nil:
		return nil, errors.New("order pipeline: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderPipeline{
		validator:    deps.Validator,
		ledger:       deps.Ledger,
		submitter:    deps.Submitter,
		compensation: deps.Compensation,
		payments:     deps.Payments,
		snapshotter:  deps.Snapshotter,
		metrics:      deps.Metrics,
		successURL:   strings.TrimSpace(deps.SuccessURL),
		cancelURL:    strings.TrimSpace(deps.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (p *orderPipeline) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	successURL, err := p.redirectURL(cmd.SuccessURL, p.successURL)
	if err != nil {
		return CheckoutResult{}, err
	}
	cancelURL, err := p.redirectURL(cmd.CancelURL, p.cancelURL)
	if err != nil {
		return CheckoutResult{}, err
	}

	validated, err := p.validator.Validate(ctx, ValidateOrderCommand{
		ActorID:         actorID,
		ShippingAddress: cmd.ShippingAddress,
		Items:           cmd.Items,
		DesignID:        cmd.DesignID,
	})
	if err != nil {
		p.metrics.Checkout(ctx, "rejected")
		return CheckoutResult{}, err
	}

	orderID := orderIDPrefix + p.newID()
	items := make([]domain.OrderItem, len(validated.Items))
	for i, item := range validated.Items {
		item.ID = orderItemIDPrefix + p.newID()
		if err := p.snapshotter.Capture(ctx, orderID, &item); err != nil {
			p.metrics.Checkout(ctx, "failed")
			return CheckoutResult{}, fmt.Errorf("order pipeline: snapshot design: %w", err)
		}
		items[i] = item
	}

	order, err := p.ledger.Create(ctx, CreateOrderCommand{
		OrderID:         orderID,
		UserID:          actorID,
		Currency:        validated.Currency,
		ShippingAddress: validated.ShippingAddress,
		Items:           items,
		Totals:          validated.Totals,
	})
	if err != nil {
		p.metrics.Checkout(ctx, "failed")
		return CheckoutResult{}, err
	}

	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = "checkout:" + order.ID
	}
	session, err := p.payments.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		UserID:         order.UserID,
		Currency:       order.Currency,
		CustomerEmail:  order.ShippingAddress.Email,
		Subtotal:       order.Totals.Subtotal,
		Shipping:       order.Totals.Shipping,
		Tax:            order.Totals.Tax,
		Total:          order.Totals.Total,
		Items:          checkoutLineItems(order.Items),
		SuccessURL:     expandOrderURL(successURL, order.ID),
		CancelURL:      expandOrderURL(cancelURL, order.ID),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		p.metrics.Checkout(ctx, "failed")
		p.logger(ctx, pipelineEventCheckoutFailed, map[string]any{
			"severity": "WARNING",
			"orderId":  order.ID,
			"error":    err.Error(),
		})
		// No session exists, so the pending order can never be paid.
		if _, markErr := p.ledger.MarkError(context.WithoutCancel(ctx), order.ID, Resolution{
			Reason: "payment session could not be created",
			Actor:  actorID,
		}); markErr != nil {
			return CheckoutResult{}, errors.Join(fmt.Errorf("order pipeline: create checkout session: %w", err), markErr)
		}
		return CheckoutResult{}, fmt.Errorf("order pipeline: create checkout session: %w", err)
	}

	if _, err := p.ledger.AttachPaymentSession(ctx, order.ID, PaymentRef{Provider: session.Provider, SessionID: session.ID}); err != nil {
		p.metrics.Checkout(ctx, "failed")
		return CheckoutResult{}, err
	}

	p.metrics.Checkout(ctx, "created")
	return CheckoutResult{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt,
		Totals:      order.Totals,
		Currency:    order.Currency,
	}, nil
}

// ConfirmPayment reconciles a PSP session with its order and, once paid, hands
// the order to fulfillment. Replays return the current order.
func (p *orderPipeline) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PipelineResult, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return PipelineResult{}, fmt.Errorf("%w: session id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" && !cmd.System {
		return PipelineResult{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}

	details, err := p.payments.LookupSession(ctx, payments.PaymentContext{PreferredProvider: cmd.Provider}, sessionID)
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return PipelineResult{}, fmt.Errorf("%w: session %s", ErrOrderNotFound, sessionID)
		}
		return PipelineResult{}, fmt.Errorf("order pipeline: lookup session: %w", err)
	}
	if !details.Completed() {
		return PipelineResult{}, &PaymentNotCompletedError{SessionID: sessionID, Status: string(details.Status)}
	}
	if strings.TrimSpace(details.OrderID) == "" {
		return PipelineResult{}, fmt.Errorf("%w: session %s carries no order reference", ErrOrderInvalidInput, sessionID)
	}

	order, err := p.ledger.Get(ctx, details.OrderID)
	if err != nil {
		return PipelineResult{}, err
	}
	if !cmd.System && order.UserID != actorID {
		return PipelineResult{}, ErrOrderPermissionDenied
	}
	if order.Payment.SessionID != "" && order.Payment.SessionID != details.ID {
		return PipelineResult{}, fmt.Errorf("%w: session %s does not belong to order %s", ErrOrderConflict, details.ID, order.ID)
	}
	if details.Amount > 0 && details.Amount != order.Totals.Total {
		p.logger(ctx, pipelineEventAmountMismatch, map[string]any{
			"severity": "ERROR",
			"orderId":  order.ID,
			"expected": order.Totals.Total,
			"captured": details.Amount,
		})
	}

	paid, err := p.ledger.MarkPaid(ctx, order.ID, PaymentRef{
		Provider:  details.Provider,
		SessionID: details.ID,
		IntentID:  details.IntentID,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) && order.Status == domain.OrderStatusCancelled {
			// Money was captured for an order nobody will ship.
			p.logger(ctx, pipelineEventPaidAfterCancel, map[string]any{
				"severity": "ERROR",
				"orderId":  order.ID,
				"intentId": details.IntentID,
				"amount":   details.Amount,
			})
		}
		return PipelineResult{}, err
	}
	if paid.Status != domain.OrderStatusPaid || paid.Fulfillment.ExternalOrderID != "" {
		return PipelineResult{Order: paid, Outcome: OutcomeUnchanged}, nil
	}

	result, err := p.fulfill(ctx, paid)
	if errors.Is(err, ErrSubmissionInProgress) || errors.Is(err, ErrAlreadySubmitted) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCompensationPending) ||
		errors.Is(err, ErrSubmissionLeaseLost) {
		current, getErr := p.ledger.Get(ctx, paid.ID)
		if getErr != nil {
			return PipelineResult{}, getErr
		}
		return PipelineResult{Order: current, Outcome: OutcomeUnchanged}, nil
	}
	return result, err
}

// ResendFulfillment retries submission for a paid order that never reached the partner.
func (p *orderPipeline) ResendFulfillment(ctx context.Context, cmd ResendFulfillmentCommand) (PipelineResult, error) {
	order, err := p.ownedOrder(ctx, cmd.OrderID, cmd.ActorID, cmd.Operator)
	if err != nil {
		return PipelineResult{}, err
	}
	if order.Fulfillment.ExternalOrderID != "" {
		return PipelineResult{}, ErrFulfillmentAlreadyRecorded
	}
	if order.Status != domain.OrderStatusPaid {
		return PipelineResult{}, fmt.Errorf("%w: cannot resend fulfillment for %s order", ErrInvalidTransition, order.Status)
	}
	if order.Payment.RefundRequestedAt != nil {
		return PipelineResult{}, fmt.Errorf("%w: order %s", ErrCompensationPending, order.ID)
	}
	result, err := p.fulfill(ctx, order)
	if errors.Is(err, ErrAlreadySubmitted) {
		return PipelineResult{}, ErrFulfillmentAlreadyRecorded
	}
	return result, err
}

// CancelOrder cancels a pending order outright and refunds a paid one first.
func (p *orderPipeline) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	order, err := p.ownedOrder(ctx, cmd.OrderID, cmd.ActorID, cmd.Operator)
	if err != nil {
		return domain.Order{}, err
	}
	reason := strings.TrimSpace(cmd.Reason)

	switch order.Status {
	case domain.OrderStatusCancelled:
		return order, nil
	case domain.OrderStatusPending:
		if order.Payment.SessionID != "" {
			err := p.payments.ExpireCheckoutSession(ctx, payments.PaymentContext{
				PreferredProvider: order.Payment.Provider,
				Currency:          order.Currency,
			}, order.Payment.SessionID)
			if err != nil {
				p.logger(ctx, pipelineEventSessionExpireFail, map[string]any{
					"severity":  "WARNING",
					"orderId":   order.ID,
					"sessionId": order.Payment.SessionID,
					"error":     err.Error(),
				})
			}
		}
		if reason == "" {
			reason = "cancelled before payment"
		}
		return p.ledger.MarkCancelled(ctx, order.ID, Resolution{Reason: reason, Actor: cmd.ActorID})
	case domain.OrderStatusPaid:
		if order.Fulfillment.ExternalOrderID != "" {
			return domain.Order{}, ErrFulfillmentAlreadyRecorded
		}
		// Hold the submission lease so no fulfillment attempt races the refund.
		attemptID := "cancel_" + p.newID()
		claimed, err := p.ledger.ClaimSubmission(ctx, order.ID, attemptID)
		if err != nil {
			return domain.Order{}, err
		}
		// On a ledger failure the lease is left to expire; the refund marker may
		// already be set.
		return p.compensation.CancelPaid(context.WithoutCancel(ctx), claimed, reason)
	default:
		return domain.Order{}, fmt.Errorf("%w: cannot cancel %s order", ErrInvalidTransition, order.Status)
	}
}

func (p *orderPipeline) GetOrder(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return p.ownedOrder(ctx, orderID, actorID, false)
}

// RecordShipment applies a partner shipment or delivery event.
func (p *orderPipeline) RecordShipment(ctx context.Context, update ShipmentUpdate) (domain.Order, error) {
	orderID := strings.TrimSpace(update.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !update.Delivered {
		return p.ledger.MarkShipped(ctx, orderID, update.Shipment)
	}

	order, err := p.ledger.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusProcessing {
		// The shipped event was missed; record it before delivery.
		if _, err := p.ledger.MarkShipped(ctx, orderID, update.Shipment); err != nil {
			return domain.Order{}, err
		}
	}
	return p.ledger.MarkDelivered(ctx, orderID)
}

// ListUnfulfilledOrders returns paid orders still waiting for a partner
// reference, including those parked by an interrupted attempt or refund.
func (p *orderPipeline) ListUnfulfilledOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrOrderInvalidInput)
	}
	return p.ledger.ListUnfulfilled(ctx, limit)
}

// fulfill runs one submission attempt under the order's submission lease. The
// lease is released only when nothing reached the partner or the PSP.
func (p *orderPipeline) fulfill(ctx context.Context, order domain.Order) (PipelineResult, error) {
	attemptID := p.newID()
	claimed, err := p.ledger.ClaimSubmission(ctx, order.ID, attemptID)
	if err != nil {
		return PipelineResult{}, err
	}
	if claimed.Payment.RefundRequestedAt != nil {
		p.release(ctx, order.ID, attemptID)
		return PipelineResult{}, fmt.Errorf("%w: order %s", ErrCompensationPending, order.ID)
	}

	renew := func(ctx context.Context) error {
		return p.ledger.RenewSubmission(ctx, order.ID, attemptID)
	}
	submission, err := p.submitter.Submit(ctx, claimed, renew)
	if err == nil {
		return p.recordSubmission(ctx, order.ID, attemptID, submission)
	}
	if !compensable(err) {
		if !errors.Is(err, ErrSubmissionLeaseLost) {
			p.release(ctx, order.ID, attemptID)
		}
		return PipelineResult{}, err
	}

	var items []ItemResult
	var none *NoFulfillableItemsError
	if errors.As(err, &none) {
		items = none.Items
	}

	// Compensation must finish even if the caller goes away.
	compensated, compErr := p.compensation.Compensate(context.WithoutCancel(ctx), claimed, err)
	var refundErr *RefundFailureError
	switch {
	case compErr == nil:
		p.metrics.Submission(ctx, OutcomeRefunded)
		return PipelineResult{Order: compensated, Outcome: OutcomeRefunded, Items: items}, nil
	case errors.As(compErr, &refundErr) && compensated.ID != "":
		p.metrics.Submission(ctx, OutcomeNeedsSupport)
		return PipelineResult{Order: compensated, Outcome: OutcomeNeedsSupport, Items: items}, nil
	default:
		// The lease stays with this attempt. A refund marker, if written, keeps
		// the order off the partner once the lease expires.
		p.logger(ctx, pipelineEventCompensationFail, map[string]any{
			"severity": "ERROR",
			"orderId":  order.ID,
			"cause":    err.Error(),
			"error":    compErr.Error(),
		})
		return PipelineResult{}, compErr
	}
}

// recordSubmission stores the partner reference. When the write cannot be made
// the lease is kept, and the next attempt after expiry recovers the reference
// from the partner's duplicate rejection.
func (p *orderPipeline) recordSubmission(ctx context.Context, orderID, attemptID string, submission SubmissionResult) (PipelineResult, error) {
	updated, err := recordWithRetry(context.WithoutCancel(ctx), func(ctx context.Context) (domain.Order, error) {
		return p.ledger.MarkProcessing(ctx, orderID, FulfillmentRef{
			ExternalOrderID: submission.ExternalOrderID,
			AttemptID:       attemptID,
		})
	})
	if err != nil {
		p.logger(ctx, pipelineEventRecordFailed, map[string]any{
			"severity":        "ERROR",
			"orderId":         orderID,
			"attemptId":       attemptID,
			"externalOrderId": submission.ExternalOrderID,
			"leaseLost":       errors.Is(err, ErrSubmissionLeaseLost),
			"error":           err.Error(),
		})
		return PipelineResult{}, err
	}
	p.metrics.Submission(ctx, OutcomeSubmitted)
	return PipelineResult{Order: updated, Outcome: OutcomeSubmitted, Items: submission.Items}, nil
}

// compensable reports whether a submission error means the order cannot be
// manufactured, as opposed to the attempt being interrupted.
func compensable(err error) bool {
	var none *NoFulfillableItemsError
	var submission *FulfillmentSubmissionError
	return errors.As(err, &none) || errors.As(err, &submission)
}

func (p *orderPipeline) release(ctx context.Context, orderID, attemptID string) {
	if err := p.ledger.ReleaseSubmission(context.WithoutCancel(ctx), orderID, attemptID); err != nil {
		p.logger(ctx, pipelineEventReleaseFailed, map[string]any{
			"severity":  "WARNING",
			"orderId":   orderID,
			"attemptId": attemptID,
			"error":     err.Error(),
		})
	}
}

func (p *orderPipeline) ownedOrder(ctx context.Context, orderID, actorID string, operator bool) (domain.Order, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" && !operator {
		return domain.Order{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	order, err := p.ledger.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !operator && order.UserID != actorID {
		return domain.Order{}, ErrOrderPermissionDenied
	}
	return order, nil
}

func checkoutLineItems(items []domain.OrderItem) []payments.CheckoutLineItem {
	lines := make([]payments.CheckoutLineItem, 0, len(items))
	for _, item := range items {
		name := item.DisplayName
		if name == "" {
			name = item.VariantID
		}
		lines = append(lines, payments.CheckoutLineItem{
			Name:     name,
			SKU:      item.VariantID,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
		})
	}
	return lines
}

func expandOrderURL(raw, orderID string) string {
	return strings.ReplaceAll(raw, orderIDPlaceholder, orderID)
}

// redirectURL picks the client's redirect when it stays on an origin of the
// configured checkout URLs, and the configured one when none is given.
func (p *orderPipeline) redirectURL(requested, fallback string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return fallback, nil
	}
	origin, ok := urlOrigin(requested)
	if !ok {
		return "", fmt.Errorf("%w: redirect url must be absolute", ErrOrderInvalidInput)
	}
	for _, configured := range []string{p.successURL, p.cancelURL} {
		if allowed, ok := urlOrigin(configured); ok && allowed == origin {
			return requested, nil
		}
	}
	return "", fmt.Errorf("%w: redirect url %s is not an allowed origin", ErrOrderInvalidInput, origin)
}

func urlOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", false
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), true
}
