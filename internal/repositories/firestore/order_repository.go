package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/printcraft/api/internal/domain"
	pfirestore "github.com/printcraft/api/internal/platform/firestore"
	"github.com/printcraft/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	defaultOrderListSize = 50
	maxOrderListSize     = 200
)

// OrderRepository stores orders as single documents with their items embedded,
// so an order and its lines are always written together.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

type orderDocument struct {
	Number             string                 `firestore:"orderNumber"`
	UserID             string                 `firestore:"userId"`
	Status             string                 `firestore:"status"`
	Currency           string                 `firestore:"currency"`
	Totals             orderTotalsDocument    `firestore:"totals"`
	Shipping           addressDocument        `firestore:"shippingAddress"`
	Items              []orderItemDocument    `firestore:"items"`
	Payment            paymentDocument        `firestore:"payment"`
	Fulfillment        fulfillmentDocument    `firestore:"fulfillment"`
	CancellationReason string                 `firestore:"cancellationReason,omitempty"`
	FailureReason      string                 `firestore:"failureReason,omitempty"`
	StatusHistory      []statusChangeDocument `firestore:"statusHistory"`
	CreatedAt          time.Time              `firestore:"createdAt"`
	UpdatedAt          time.Time              `firestore:"updatedAt"`
	PaidAt             *time.Time             `firestore:"paidAt,omitempty"`
	ProcessingAt       *time.Time             `firestore:"processingAt,omitempty"`
	ShippedAt          *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time             `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time             `firestore:"cancelledAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Email      string `firestore:"email"`
	Phone      string `firestore:"phone"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type orderItemDocument struct {
	ID          string                  `firestore:"id"`
	VariantID   string                  `firestore:"variantId"`
	Size        string                  `firestore:"size"`
	Color       string                  `firestore:"color,omitempty"`
	Quantity    int                     `firestore:"quantity"`
	UnitPrice   int64                   `firestore:"unitPrice"`
	TotalPrice  int64                   `firestore:"totalPrice"`
	DisplayName string                  `firestore:"displayName"`
	Design      *designSnapshotDocument `firestore:"designSnapshot,omitempty"`
}

type designSnapshotDocument struct {
	DesignID      string    `firestore:"designId"`
	Name          string    `firestore:"name"`
	FrontImageURL string    `firestore:"frontImageUrl,omitempty"`
	BackImageURL  string    `firestore:"backImageUrl,omitempty"`
	CapturedAt    time.Time `firestore:"capturedAt"`
}

type paymentDocument struct {
	Provider          string     `firestore:"provider,omitempty"`
	SessionID         string     `firestore:"sessionId,omitempty"`
	IntentID          string     `firestore:"intentId,omitempty"`
	RefundID          string     `firestore:"refundId,omitempty"`
	RefundedAmount    int64      `firestore:"refundedAmount,omitempty"`
	RefundRequestedAt *time.Time `firestore:"refundRequestedAt,omitempty"`
}

type fulfillmentDocument struct {
	ExternalOrderID     string     `firestore:"externalOrderId,omitempty"`
	SubmissionAttemptID string     `firestore:"submissionAttemptId,omitempty"`
	SubmissionClaimedAt *time.Time `firestore:"submissionClaimedAt,omitempty"`
	Carrier             string     `firestore:"carrier,omitempty"`
	TrackingNumber      string     `firestore:"trackingNumber,omitempty"`
	TrackingURL         string     `firestore:"trackingUrl,omitempty"`
}

type statusChangeDocument struct {
	From   string    `firestore:"from"`
	To     string    `firestore:"to"`
	Reason string    `firestore:"reason,omitempty"`
	At     time.Time `firestore:"at"`
}

// Insert creates the order document. Existing IDs are reported as conflicts.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads an order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(orderID, doc.Data), nil
}

// Mutate runs fn against the freshly read order inside a transaction and writes
// the result. Errors returned by fn are passed through unchanged.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	var (
		result      domain.Order
		mutationErr error
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		mutationErr = nil
		ref, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}

		current := decodeOrderDocument(orderID, doc)
		candidate := decodeOrderDocument(orderID, doc)
		if err := fn(&candidate); err != nil {
			if errors.Is(err, repositories.ErrNoChange) {
				result = current
				return nil
			}
			mutationErr = err
			return err
		}
		candidate.ID = orderID
		if err := tx.Set(ref, encodeOrderDocument(candidate)); err != nil {
			return err
		}
		result = candidate
		return nil
	})
	if mutationErr != nil {
		return domain.Order{}, mutationErr
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return result, nil
}

// List returns orders ordered by most recent update.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultOrderListSize
	case limit > maxOrderListSize:
		limit = maxOrderListSize
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("updatedAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrderDocument(doc.ID, doc.Data))
	}
	return orders, nil
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:   order.Number,
		UserID:   order.UserID,
		Status:   string(order.Status),
		Currency: strings.ToUpper(order.Currency),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Shipping: addressDocument{
			Name:       order.ShippingAddress.Name,
			Email:      order.ShippingAddress.Email,
			Phone:      order.ShippingAddress.Phone,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		Items: make([]orderItemDocument, 0, len(order.Items)),
		Payment: paymentDocument{
			Provider:          order.Payment.Provider,
			SessionID:         order.Payment.SessionID,
			IntentID:          order.Payment.IntentID,
			RefundID:          order.Payment.RefundID,
			RefundedAmount:    order.Payment.RefundedAmount,
			RefundRequestedAt: normalizeTimePointer(order.Payment.RefundRequestedAt),
		},
		Fulfillment: fulfillmentDocument{
			ExternalOrderID:     order.Fulfillment.ExternalOrderID,
			SubmissionAttemptID: order.Fulfillment.SubmissionAttemptID,
			SubmissionClaimedAt: normalizeTimePointer(order.Fulfillment.SubmissionClaimedAt),
			Carrier:             order.Fulfillment.Carrier,
			TrackingNumber:      order.Fulfillment.TrackingNumber,
			TrackingURL:         order.Fulfillment.TrackingURL,
		},
		CancellationReason: order.CancellationReason,
		FailureReason:      order.FailureReason,
		StatusHistory:      make([]statusChangeDocument, 0, len(order.StatusHistory)),
		CreatedAt:          order.CreatedAt.UTC(),
		UpdatedAt:          order.UpdatedAt.UTC(),
		PaidAt:             normalizeTimePointer(order.PaidAt),
		ProcessingAt:       normalizeTimePointer(order.ProcessingAt),
		ShippedAt:          normalizeTimePointer(order.ShippedAt),
		DeliveredAt:        normalizeTimePointer(order.DeliveredAt),
		CancelledAt:        normalizeTimePointer(order.CancelledAt),
	}
	for _, item := range order.Items {
		line := orderItemDocument{
			ID:          item.ID,
			VariantID:   item.VariantID,
			Size:        item.Size,
			Color:       item.Color,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.TotalPrice,
			DisplayName: item.DisplayName,
		}
		if item.Design != nil {
			line.Design = &designSnapshotDocument{
				DesignID:      item.Design.DesignID,
				Name:          item.Design.Name,
				FrontImageURL: item.Design.FrontImageURL,
				BackImageURL:  item.Design.BackImageURL,
				CapturedAt:    item.Design.CapturedAt.UTC(),
			}
		}
		doc.Items = append(doc.Items, line)
	}
	for _, change := range order.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, statusChangeDocument{
			From:   string(change.From),
			To:     string(change.To),
			Reason: change.Reason,
			At:     change.At.UTC(),
		})
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:       id,
		Number:   doc.Number,
		UserID:   doc.UserID,
		Status:   domain.OrderStatus(doc.Status),
		Currency: doc.Currency,
		Totals: domain.OrderTotals{
			Subtotal: doc.Totals.Subtotal,
			Shipping: doc.Totals.Shipping,
			Tax:      doc.Totals.Tax,
			Total:    doc.Totals.Total,
		},
		ShippingAddress: domain.ShippingAddress{
			Name:       doc.Shipping.Name,
			Email:      doc.Shipping.Email,
			Phone:      doc.Shipping.Phone,
			Line1:      doc.Shipping.Line1,
			Line2:      doc.Shipping.Line2,
			City:       doc.Shipping.City,
			State:      doc.Shipping.State,
			PostalCode: doc.Shipping.PostalCode,
			Country:    doc.Shipping.Country,
		},
		Items: make([]domain.OrderItem, 0, len(doc.Items)),
		Payment: domain.OrderPayment{
			Provider:          doc.Payment.Provider,
			SessionID:         doc.Payment.SessionID,
			IntentID:          doc.Payment.IntentID,
			RefundID:          doc.Payment.RefundID,
			RefundedAmount:    doc.Payment.RefundedAmount,
			RefundRequestedAt: normalizeTimePointer(doc.Payment.RefundRequestedAt),
		},
		Fulfillment: domain.OrderFulfillment{
			ExternalOrderID:     doc.Fulfillment.ExternalOrderID,
			SubmissionAttemptID: doc.Fulfillment.SubmissionAttemptID,
			SubmissionClaimedAt: normalizeTimePointer(doc.Fulfillment.SubmissionClaimedAt),
			Carrier:             doc.Fulfillment.Carrier,
			TrackingNumber:      doc.Fulfillment.TrackingNumber,
			TrackingURL:         doc.Fulfillment.TrackingURL,
		},
		CancellationReason: doc.CancellationReason,
		FailureReason:      doc.FailureReason,
		CreatedAt:          doc.CreatedAt.UTC(),
		UpdatedAt:          doc.UpdatedAt.UTC(),
		PaidAt:             normalizeTimePointer(doc.PaidAt),
		ProcessingAt:       normalizeTimePointer(doc.ProcessingAt),
		ShippedAt:          normalizeTimePointer(doc.ShippedAt),
		DeliveredAt:        normalizeTimePointer(doc.DeliveredAt),
		CancelledAt:        normalizeTimePointer(doc.CancelledAt),
	}
	for _, line := range doc.Items {
		item := domain.OrderItem{
			ID:          line.ID,
			VariantID:   line.VariantID,
			Size:        line.Size,
			Color:       line.Color,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TotalPrice:  line.TotalPrice,
			DisplayName: line.DisplayName,
		}
		if line.Design != nil {
			item.Design = &domain.DesignSnapshot{
				DesignID:      line.Design.DesignID,
				Name:          line.Design.Name,
				FrontImageURL: line.Design.FrontImageURL,
				BackImageURL:  line.Design.BackImageURL,
				CapturedAt:    line.Design.CapturedAt.UTC(),
			}
		}
		order.Items = append(order.Items, item)
	}
	if len(doc.StatusHistory) > 0 {
		order.StatusHistory = make([]domain.OrderStatusChange, 0, len(doc.StatusHistory))
		for _, change := range doc.StatusHistory {
			order.StatusHistory = append(order.StatusHistory, domain.OrderStatusChange{
				From:   domain.OrderStatus(change.From),
				To:     domain.OrderStatus(change.To),
				Reason: change.Reason,
				At:     change.At.UTC(),
			})
		}
	}
	return order
}
