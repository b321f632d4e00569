package domain

import (
	"time"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPending marks an order awaiting payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid marks an order whose payment was captured but not yet handed to the partner.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing marks an order accepted by the manufacturing partner.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped marks an order handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered marks an order delivered to the recipient.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled marks an order cancelled before manufacturing.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusError marks an order that needs operator intervention.
	OrderStatusError OrderStatus = "error"
)

// IsTerminal reports whether no further transitions are possible from the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusError:
		return true
	default:
		return false
	}
}

// Order represents one checkout attempt and its lifecycle.
type Order struct {
	ID                 string
	Number             string
	UserID             string
	Status             OrderStatus
	Currency           string
	Totals             OrderTotals
	ShippingAddress    ShippingAddress
	Items              []OrderItem
	Payment            OrderPayment
	Fulfillment        OrderFulfillment
	CancellationReason string
	FailureReason      string
	StatusHistory      []OrderStatusChange
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PaidAt             *time.Time
	ProcessingAt       *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Consistent reports whether the totals add up and the subtotal matches the line items.
func (t OrderTotals) Consistent(items []OrderItem) bool {
	if t.Total != t.Subtotal+t.Shipping+t.Tax {
		return false
	}
	var sum int64
	for _, item := range items {
		if item.TotalPrice != item.UnitPrice*int64(item.Quantity) {
			return false
		}
		sum += item.TotalPrice
	}
	return sum == t.Subtotal
}

// OrderItem is one line within an order.
type OrderItem struct {
	ID          string
	VariantID   string
	Size        string
	Color       string
	Quantity    int
	UnitPrice   int64
	TotalPrice  int64
	DisplayName string
	Design      *DesignSnapshot
}

// HasDesign reports whether the item references a customer design.
func (i OrderItem) HasDesign() bool {
	return i.Design != nil && i.Design.DesignID != ""
}

// DesignSnapshot is the immutable copy of a design's printable assets taken at checkout.
type DesignSnapshot struct {
	DesignID      string
	Name          string
	FrontImageURL string
	BackImageURL  string
	CapturedAt    time.Time
}

// ImageURLs returns the non-empty snapshot image references, front first.
func (s DesignSnapshot) ImageURLs() []string {
	return nonEmpty(s.FrontImageURL, s.BackImageURL)
}

// ShippingAddress is the structured delivery address recorded on an order.
type ShippingAddress struct {
	Name       string
	Email      string
	Phone      string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// OrderPayment captures references into the payment provider.
type OrderPayment struct {
	Provider       string
	SessionID      string
	IntentID       string
	RefundID       string
	RefundedAmount int64
	// RefundRequestedAt is set before a refund is issued and blocks further
	// partner submissions for the order.
	RefundRequestedAt *time.Time
}

// OrderFulfillment captures references into the manufacturing partner.
type OrderFulfillment struct {
	ExternalOrderID     string
	SubmissionAttemptID string
	SubmissionClaimedAt *time.Time
	Carrier             string
	TrackingNumber      string
	TrackingURL         string
}

// OrderStatusChange records one applied transition.
type OrderStatusChange struct {
	From   OrderStatus
	To     OrderStatus
	Reason string
	At     time.Time
}

// Design is the read-only view of a design produced by the editor.
type Design struct {
	ID         string
	OwnerID    string
	Name       string
	FrontImage string
	BackImage  string
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// ImageRefs returns the non-empty live image references, front first.
func (d Design) ImageRefs() []string {
	return nonEmpty(d.FrontImage, d.BackImage)
}

// Printable reports whether the design carries the front asset required for manufacturing.
func (d Design) Printable() bool {
	return d.FrontImage != ""
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}
