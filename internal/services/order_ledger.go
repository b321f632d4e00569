package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oit_"

	defaultSubmissionLeaseTTL = 5 * time.Minute

	ledgerEventInvariant = "order.ledger_invariant_violated"
	ledgerEventCreated   = "order.created"
	ledgerEventStatus    = "order.status_changed"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCancelled, domain.OrderStatusError},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusError},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

// OrderLedgerDeps bundles collaborators required to construct the ledger.
type OrderLedgerDeps struct {
	Orders             repositories.OrderRepository
	OrderNumbers       OrderNumberGenerator
	Clock              func() time.Time
	IDGenerator        func() string
	SubmissionLeaseTTL time.Duration
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type orderLedger struct {
	orders   repositories.OrderRepository
	numbers  OrderNumberGenerator
	clock    func() time.Time
	newID    func() string
	leaseTTL time.Duration
	logger   func(context.Context, string, map[string]any)
}

var _ OrderLedger = (*orderLedger)(nil)

// NewOrderLedger wires dependencies into a Firestore-backed order state machine.
func NewOrderLedger(deps OrderLedgerDeps) (OrderLedger, error) {
	if deps.Orders == nil {
		return nil, errors.New("order ledger: order repository is required")
	}
	if deps.OrderNumbers == nil {
		return nil, errors.New("order ledger: order number generator is required")
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
	leaseTTL := deps.SubmissionLeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultSubmissionLeaseTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderLedger{
		orders:  deps.Orders,
		numbers: deps.OrderNumbers,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		leaseTTL: leaseTTL,
		logger:   logger,
	}, nil
}

func (l *orderLedger) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return domain.Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	now := l.clock()
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		orderID = orderIDPrefix + l.newID()
	}
	items := make([]domain.OrderItem, len(cmd.Items))
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ID) == "" {
			item.ID = orderItemIDPrefix + l.newID()
		}
		if item.Design != nil {
			snapshot := *item.Design
			item.Design = &snapshot
		}
		items[i] = item
	}

	order := domain.Order{
		ID:              orderID,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		Totals:          cmd.Totals,
		ShippingAddress: cmd.ShippingAddress,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.checkInvariants(ctx, order); err != nil {
		return domain.Order{}, err
	}

	number, err := l.numbers.NextOrderNumber(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order ledger: generate order number: %w", err)
	}
	order.Number = number

	if err := l.orders.Insert(ctx, order); err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}

	l.logger(ctx, ledgerEventCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.Number,
		"userId":      order.UserID,
		"total":       order.Totals.Total,
		"currency":    order.Currency,
	})
	return order, nil
}

func (l *orderLedger) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := l.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	return order, nil
}

// AttachPaymentSession records the PSP session on a pending order.
func (l *orderLedger) AttachPaymentSession(ctx context.Context, orderID string, ref PaymentRef) (domain.Order, error) {
	if strings.TrimSpace(ref.SessionID) == "" {
		return domain.Order{}, fmt.Errorf("%w: session id is required", ErrOrderInvalidInput)
	}
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Payment.SessionID == ref.SessionID {
			return repositories.ErrNoChange
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: cannot attach session to %s order", ErrInvalidTransition, order.Status)
		}
		order.Payment.Provider = ref.Provider
		order.Payment.SessionID = ref.SessionID
		order.UpdatedAt = now
		return nil
	})
}

// MarkPaid moves a pending order to paid. Replaying the same payment intent on an
// order that has already progressed is a no-op.
func (l *orderLedger) MarkPaid(ctx context.Context, orderID string, ref PaymentRef) (domain.Order, error) {
	intentID := strings.TrimSpace(ref.IntentID)
	if intentID == "" {
		return domain.Order{}, fmt.Errorf("%w: payment intent is required", ErrOrderInvalidInput)
	}
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status != domain.OrderStatusPending {
			if order.Payment.IntentID == intentID {
				return repositories.ErrNoChange
			}
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, order.Status, domain.OrderStatusPaid)
		}
		if err := l.transition(order, domain.OrderStatusPaid, "", now); err != nil {
			return err
		}
		if ref.Provider != "" {
			order.Payment.Provider = ref.Provider
		}
		if ref.SessionID != "" {
			order.Payment.SessionID = ref.SessionID
		}
		order.Payment.IntentID = intentID
		return nil
	})
}

func (l *orderLedger) MarkProcessing(ctx context.Context, orderID string, ref FulfillmentRef) (domain.Order, error) {
	externalID := strings.TrimSpace(ref.ExternalOrderID)
	if externalID == "" {
		return domain.Order{}, fmt.Errorf("%w: fulfillment reference is required", ErrOrderInvalidInput)
	}
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status != domain.OrderStatusPaid {
			if order.Fulfillment.ExternalOrderID == externalID {
				return repositories.ErrNoChange
			}
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, order.Status, domain.OrderStatusProcessing)
		}
		if err := holdsLease(order, ref.AttemptID); err != nil {
			return err
		}
		if err := l.transition(order, domain.OrderStatusProcessing, "", now); err != nil {
			return err
		}
		order.Fulfillment.ExternalOrderID = externalID
		order.Fulfillment.SubmissionAttemptID = ""
		order.Fulfillment.SubmissionClaimedAt = nil
		return nil
	})
}

func (l *orderLedger) MarkCancelled(ctx context.Context, orderID string, res Resolution) (domain.Order, error) {
	return l.resolve(ctx, orderID, domain.OrderStatusCancelled, res)
}

func (l *orderLedger) MarkError(ctx context.Context, orderID string, res Resolution) (domain.Order, error) {
	return l.resolve(ctx, orderID, domain.OrderStatusError, res)
}

func (l *orderLedger) resolve(ctx context.Context, orderID string, target domain.OrderStatus, res Resolution) (domain.Order, error) {
	reason := strings.TrimSpace(res.Reason)
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status == target {
			return repositories.ErrNoChange
		}
		if order.Status == domain.OrderStatusPaid {
			if err := holdsLease(order, res.AttemptID); err != nil {
				return err
			}
		}
		if err := l.transition(order, target, reason, now); err != nil {
			return err
		}
		if target == domain.OrderStatusCancelled {
			order.CancellationReason = reason
		} else {
			order.FailureReason = reason
		}
		if res.Refund != nil {
			order.Payment.RefundID = res.Refund.ID
			order.Payment.RefundedAmount = res.Refund.Amount
		}
		order.Fulfillment.SubmissionAttemptID = ""
		order.Fulfillment.SubmissionClaimedAt = nil
		return nil
	})
}

func (l *orderLedger) MarkShipped(ctx context.Context, orderID string, shipment Shipment) (domain.Order, error) {
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status == domain.OrderStatusShipped && order.Fulfillment.TrackingNumber == shipment.TrackingNumber {
			return repositories.ErrNoChange
		}
		if order.Status == domain.OrderStatusShipped {
			// Carrier corrections arrive as repeated shipment events.
			order.Fulfillment.Carrier = shipment.Carrier
			order.Fulfillment.TrackingNumber = shipment.TrackingNumber
			order.Fulfillment.TrackingURL = shipment.TrackingURL
			order.UpdatedAt = now
			return nil
		}
		if err := l.transition(order, domain.OrderStatusShipped, "", now); err != nil {
			return err
		}
		order.Fulfillment.Carrier = shipment.Carrier
		order.Fulfillment.TrackingNumber = shipment.TrackingNumber
		order.Fulfillment.TrackingURL = shipment.TrackingURL
		return nil
	})
}

func (l *orderLedger) MarkDelivered(ctx context.Context, orderID string) (domain.Order, error) {
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status == domain.OrderStatusDelivered {
			return repositories.ErrNoChange
		}
		return l.transition(order, domain.OrderStatusDelivered, "", now)
	})
}

// ClaimSubmission takes the submission lease for attemptID. A lease older than
// the configured TTL is considered abandoned and can be taken over.
func (l *orderLedger) ClaimSubmission(ctx context.Context, orderID, attemptID string) (domain.Order, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return domain.Order{}, fmt.Errorf("%w: attempt id is required", ErrOrderInvalidInput)
	}
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Fulfillment.ExternalOrderID != "" {
			return ErrAlreadySubmitted
		}
		if order.Status != domain.OrderStatusPaid {
			return fmt.Errorf("%w: cannot submit %s order", ErrInvalidTransition, order.Status)
		}
		current := order.Fulfillment.SubmissionAttemptID
		if current == attemptID {
			return repositories.ErrNoChange
		}
		if current != "" && order.Fulfillment.SubmissionClaimedAt != nil &&
			now.Sub(*order.Fulfillment.SubmissionClaimedAt) < l.leaseTTL {
			return ErrSubmissionInProgress
		}
		claimedAt := now
		order.Fulfillment.SubmissionAttemptID = attemptID
		order.Fulfillment.SubmissionClaimedAt = &claimedAt
		order.UpdatedAt = now
		return nil
	})
}

// RenewSubmission restarts the lease clock for attemptID. It fails with
// ErrSubmissionLeaseLost when the lease has passed to another attempt.
func (l *orderLedger) RenewSubmission(ctx context.Context, orderID, attemptID string) error {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return fmt.Errorf("%w: attempt id is required", ErrOrderInvalidInput)
	}
	_, err := l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status != domain.OrderStatusPaid || order.Fulfillment.ExternalOrderID != "" {
			return fmt.Errorf("%w: order is %s", ErrSubmissionLeaseLost, order.Status)
		}
		if err := holdsLease(order, attemptID); err != nil {
			return err
		}
		claimedAt := now
		order.Fulfillment.SubmissionClaimedAt = &claimedAt
		order.UpdatedAt = now
		return nil
	})
	return err
}

// BeginRefund marks a paid order as being refunded. Once set, the order is never
// submitted to the partner again. Repeating the call for a marked order is a no-op.
func (l *orderLedger) BeginRefund(ctx context.Context, orderID, attemptID string) (domain.Order, error) {
	return l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if order.Status != domain.OrderStatusPaid {
			return fmt.Errorf("%w: cannot refund %s order", ErrInvalidTransition, order.Status)
		}
		if err := holdsLease(order, attemptID); err != nil {
			return err
		}
		if order.Payment.RefundRequestedAt != nil {
			return repositories.ErrNoChange
		}
		requestedAt := now
		order.Payment.RefundRequestedAt = &requestedAt
		order.UpdatedAt = now
		return nil
	})
}

// ListUnfulfilled returns paid orders that have no partner reference yet, most
// recently updated first.
func (l *orderLedger) ListUnfulfilled(ctx context.Context, limit int) ([]domain.Order, error) {
	orders, err := l.orders.List(ctx, repositories.OrderListFilter{
		Status: []domain.OrderStatus{domain.OrderStatusPaid},
		Limit:  limit,
	})
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	out := orders[:0]
	for _, order := range orders {
		if order.Fulfillment.ExternalOrderID == "" {
			out = append(out, order)
		}
	}
	return out, nil
}

// ReleaseSubmission drops the lease if attemptID still holds it.
func (l *orderLedger) ReleaseSubmission(ctx context.Context, orderID, attemptID string) error {
	_, err := l.mutate(ctx, orderID, func(order *domain.Order, now time.Time) error {
		if attemptID == "" || order.Fulfillment.SubmissionAttemptID != attemptID {
			return repositories.ErrNoChange
		}
		order.Fulfillment.SubmissionAttemptID = ""
		order.Fulfillment.SubmissionClaimedAt = nil
		order.UpdatedAt = now
		return nil
	})
	return err
}

// holdsLease checks that attemptID owns the submission lease. An empty attemptID
// skips the check.
func holdsLease(order *domain.Order, attemptID string) error {
	if attemptID == "" || order.Fulfillment.SubmissionAttemptID == attemptID {
		return nil
	}
	return fmt.Errorf("%w: attempt %s no longer holds order %s", ErrSubmissionLeaseLost, attemptID, order.ID)
}

func (l *orderLedger) mutate(ctx context.Context, orderID string, fn func(order *domain.Order, now time.Time) error) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	var previous domain.OrderStatus
	order, err := l.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		previous = order.Status
		if err := fn(order, l.clock()); err != nil {
			return err
		}
		return l.checkInvariants(ctx, *order)
	})
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if previous != "" && previous != order.Status {
		l.logger(ctx, ledgerEventStatus, map[string]any{
			"orderId": order.ID,
			"from":    string(previous),
			"to":      string(order.Status),
		})
	}
	return order, nil
}

func (l *orderLedger) transition(order *domain.Order, target domain.OrderStatus, reason string, now time.Time) error {
	current := order.Status
	if !canTransition(current, target) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, target)
	}
	order.Status = target
	order.UpdatedAt = now
	order.StatusHistory = append(order.StatusHistory, domain.OrderStatusChange{
		From:   current,
		To:     target,
		Reason: reason,
		At:     now,
	})
	updateTimestamps(order, target, now)
	return nil
}

func (l *orderLedger) checkInvariants(ctx context.Context, order domain.Order) error {
	if order.Totals.Consistent(order.Items) {
		return nil
	}
	l.logger(ctx, ledgerEventInvariant, map[string]any{
		"severity": "ERROR",
		"orderId":  order.ID,
		"subtotal": order.Totals.Subtotal,
		"shipping": order.Totals.Shipping,
		"tax":      order.Totals.Tax,
		"total":    order.Totals.Total,
	})
	return fmt.Errorf("%w: totals do not match items for order %s", ErrLedgerInvariant, order.ID)
}

func updateTimestamps(order *domain.Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusProcessing:
		order.ProcessingAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled, domain.OrderStatusError:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
		}
	}

	return err
}
