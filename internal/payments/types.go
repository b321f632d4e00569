package payments

import (
	"context"
	"errors"
	"time"
)

// SessionStatus is the PSP-neutral state of a hosted checkout session.
type SessionStatus string

const (
	SessionStatusOpen      SessionStatus = "open"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
)

// RefundStatus is the PSP-neutral state of a refund. Pending refunds settle
// asynchronously and count as accepted.
type RefundStatus string

const (
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusFailed    RefundStatus = "failed"
)

var (
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	ErrSessionNotFound     = errors.New("payments: session not found")
	ErrRefundDeclined      = errors.New("payments: refund declined")
)

// CheckoutLineItem is one priced line shown on the hosted payment page.
// Amount is the unit price in minor units.
type CheckoutLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
}

// CheckoutSessionRequest carries an order's priced lines to the PSP. The
// session total must equal Total.
type CheckoutSessionRequest struct {
	OrderID        string
	OrderNumber    string
	UserID         string
	Currency       string
	CustomerEmail  string
	Subtotal       int64
	Shipping       int64
	Tax            int64
	Total          int64
	Items          []CheckoutLineItem
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is what the client needs to redirect the customer.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

// SessionDetails is the PSP's current view of a session, used to confirm payment.
type SessionDetails struct {
	ID       string
	Provider string
	Status   SessionStatus
	IntentID string
	OrderID  string
	UserID   string
	Amount   int64
	Currency string
}

func (d SessionDetails) Completed() bool {
	return d.Status == SessionStatusCompleted
}

type RefundRequest struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundResult struct {
	ID     string
	Status RefundStatus
	Amount int64
}

// Provider is implemented by each PSP adapter.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupSession(ctx context.Context, sessionID string) (SessionDetails, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
