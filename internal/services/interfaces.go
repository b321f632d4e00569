package services

import (
	"context"
	"time"

	"github.com/printcraft/api/internal/catalog"
	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/fulfillment"
	"github.com/printcraft/api/internal/payments"
)

// ReadinessReport mirrors the domain report returned by health endpoints.
type ReadinessReport = domain.ReadinessReport

// OrderPipeline sequences validation, payment, fulfillment and compensation.
type OrderPipeline interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (PipelineResult, error)
	ResendFulfillment(ctx context.Context, cmd ResendFulfillmentCommand) (PipelineResult, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID, actorID string) (domain.Order, error)
	RecordShipment(ctx context.Context, update ShipmentUpdate) (domain.Order, error)
	ListUnfulfilledOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// OrderValidator prices and validates a cart without side effects.
type OrderValidator interface {
	Validate(ctx context.Context, cmd ValidateOrderCommand) (ValidatedOrder, error)
}

// OrderLedger owns persisted order state and its transitions.
type OrderLedger interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	AttachPaymentSession(ctx context.Context, orderID string, ref PaymentRef) (domain.Order, error)
	MarkPaid(ctx context.Context, orderID string, ref PaymentRef) (domain.Order, error)
	MarkProcessing(ctx context.Context, orderID string, ref FulfillmentRef) (domain.Order, error)
	MarkCancelled(ctx context.Context, orderID string, res Resolution) (domain.Order, error)
	MarkError(ctx context.Context, orderID string, res Resolution) (domain.Order, error)
	MarkShipped(ctx context.Context, orderID string, shipment Shipment) (domain.Order, error)
	MarkDelivered(ctx context.Context, orderID string) (domain.Order, error)
	ClaimSubmission(ctx context.Context, orderID, attemptID string) (domain.Order, error)
	RenewSubmission(ctx context.Context, orderID, attemptID string) error
	ReleaseSubmission(ctx context.Context, orderID, attemptID string) error
	BeginRefund(ctx context.Context, orderID, attemptID string) (domain.Order, error)
	ListUnfulfilled(ctx context.Context, limit int) ([]domain.Order, error)
}

// LeaseRenewer extends the submission lease held by the running attempt. It
// returns ErrSubmissionLeaseLost once another attempt has taken over.
type LeaseRenewer func(ctx context.Context) error

// FulfillmentSubmitter turns a paid order into one partner submission. renew is
// called between partner calls and before the order is sent.
type FulfillmentSubmitter interface {
	Submit(ctx context.Context, order domain.Order, renew LeaseRenewer) (SubmissionResult, error)
}

// CompensationEngine refunds and closes orders that cannot be manufactured.
type CompensationEngine interface {
	Compensate(ctx context.Context, order domain.Order, cause error) (domain.Order, error)
	CancelPaid(ctx context.Context, order domain.Order, reason string) (domain.Order, error)
}

// OrderNumberGenerator issues human-readable order numbers.
type OrderNumberGenerator interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// ReadinessService reports service health.
type ReadinessService interface {
	Readiness(ctx context.Context) (ReadinessReport, error)
}

// CatalogGateway resolves variants against the partner catalog.
type CatalogGateway interface {
	ResolveVariant(ctx context.Context, variantID string) (catalog.Variant, error)
}

// FulfillmentGateway validates variants and submits manufacturing orders.
type FulfillmentGateway interface {
	ValidateVariant(ctx context.Context, variantID string) (fulfillment.VariantStatus, error)
	SubmitOrder(ctx context.Context, req fulfillment.SubmitRequest) (fulfillment.SubmitResult, error)
	LookupOrder(ctx context.Context, externalID string) (fulfillment.SubmitResult, error)
}

// PaymentGateway is the PSP surface used by the pipeline. payments.Manager satisfies it.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, pctx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	LookupSession(ctx context.Context, pctx payments.PaymentContext, sessionID string) (payments.SessionDetails, error)
	ExpireCheckoutSession(ctx context.Context, pctx payments.PaymentContext, sessionID string) error
	Refund(ctx context.Context, pctx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)
}

// AssetURLResolver turns a stored image reference into a URL the partner can fetch.
type AssetURLResolver interface {
	ResolveURL(ctx context.Context, reference string) (string, error)
}

// OrderNotifier delivers customer notifications.
type OrderNotifier interface {
	NotifyOrderFailed(ctx context.Context, msg OrderFailedMessage) error
}

// NotificationDispatcher sends notifications without blocking the caller.
type NotificationDispatcher interface {
	DispatchOrderFailed(ctx context.Context, msg OrderFailedMessage)
	Wait(ctx context.Context) error
}

// CartLine is one requested line before pricing.
type CartLine struct {
	VariantID string `json:"variantId" validate:"required"`
	Size      string `json:"size" validate:"required"`
	Color     string `json:"color" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

// Address is the shipping address as submitted by the client.
type Address struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
}

// ValidateOrderCommand is the validator input.
type ValidateOrderCommand struct {
	ActorID         string
	ShippingAddress Address
	Items           []CartLine
	DesignID        string
}

// ValidatedOrder is a priced item list ready for the ledger.
type ValidatedOrder struct {
	Currency        string
	ShippingAddress domain.ShippingAddress
	Items           []domain.OrderItem
	Totals          domain.OrderTotals
	Design          *domain.Design
}

// CreateOrderCommand inserts a pending order. Blank IDs are generated.
type CreateOrderCommand struct {
	OrderID         string
	UserID          string
	Currency        string
	ShippingAddress domain.ShippingAddress
	Items           []domain.OrderItem
	Totals          domain.OrderTotals
}

// PaymentRef identifies the PSP objects behind an order.
type PaymentRef struct {
	Provider  string
	SessionID string
	IntentID  string
}

// FulfillmentRef identifies the partner order created for an order. AttemptID,
// when set, must still hold the submission lease.
type FulfillmentRef struct {
	ExternalOrderID string
	AttemptID       string
}

// RefundRef records a refund issued for an order.
type RefundRef struct {
	ID     string
	Amount int64
}

// Resolution closes an order as cancelled or error. AttemptID, when set, must
// still hold the submission lease of a paid order.
type Resolution struct {
	Reason    string
	Actor     string
	AttemptID string
	Refund    *RefundRef
}

// Shipment carries carrier details reported by the partner.
type Shipment struct {
	Carrier        string
	TrackingNumber string
	TrackingURL    string
}

// ItemResult is the per-item outcome of a submission attempt.
type ItemResult struct {
	ItemID    string   `json:"itemId"`
	VariantID string   `json:"variantId"`
	Submitted bool     `json:"submitted"`
	Reason    string   `json:"reason,omitempty"`
	ImageURLs []string `json:"-"`
}

// SubmissionResult is the outcome of a successful submission.
type SubmissionResult struct {
	ExternalOrderID string
	Items           []ItemResult
}

// FulfillmentOutcome summarises what a pipeline entry point did about fulfillment.
type FulfillmentOutcome string

const (
	// OutcomeSubmitted means the partner accepted the order.
	OutcomeSubmitted FulfillmentOutcome = "submitted"
	// OutcomeRefunded means submission failed and the customer was refunded.
	OutcomeRefunded FulfillmentOutcome = "refunded"
	// OutcomeNeedsSupport means submission and refund both failed.
	OutcomeNeedsSupport FulfillmentOutcome = "needs_support"
	// OutcomeUnchanged means the order had already moved on; nothing was attempted.
	OutcomeUnchanged FulfillmentOutcome = "unchanged"
)

// PipelineResult is returned by entry points that may attempt fulfillment.
type PipelineResult struct {
	Order   domain.Order
	Outcome FulfillmentOutcome
	Items   []ItemResult
}

// CheckoutCommand starts a checkout for the acting user.
type CheckoutCommand struct {
	ActorID         string
	ShippingAddress Address
	Items           []CartLine
	DesignID        string
	SuccessURL      string
	CancelURL       string
	IdempotencyKey  string
}

// CheckoutResult is returned to the client to redirect to the PSP.
type CheckoutResult struct {
	OrderID     string
	OrderNumber string
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
	Totals      domain.OrderTotals
	Currency    string
}

// ConfirmPaymentCommand reconciles a PSP session. System marks verified webhook
// deliveries that carry no end-user identity.
type ConfirmPaymentCommand struct {
	SessionID string
	ActorID   string
	Provider  string
	System    bool
}

// ResendFulfillmentCommand re-runs submission for a paid order.
type ResendFulfillmentCommand struct {
	OrderID  string
	ActorID  string
	Operator bool
}

// CancelOrderCommand cancels a pending or paid order.
type CancelOrderCommand struct {
	OrderID  string
	ActorID  string
	Operator bool
	Reason   string
}

// ShipmentUpdate is a partner shipment notification.
type ShipmentUpdate struct {
	OrderID   string
	Delivered bool
	Shipment  Shipment
}

// OrderFailedMessage tells the customer their order could not be manufactured.
type OrderFailedMessage struct {
	OrderID         string    `json:"orderId"`
	OrderNumber     string    `json:"orderNumber"`
	UserID          string    `json:"userId"`
	Email           string    `json:"email"`
	Reason          string    `json:"reason"`
	Refunded        bool      `json:"refunded"`
	RefundedAmount  int64     `json:"refundedAmount"`
	Currency        string    `json:"currency"`
	FormattedAmount string    `json:"formattedAmount"`
	OccurredAt      time.Time `json:"occurredAt"`
}
