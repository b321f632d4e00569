package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// PaymentEvent is a verified PSP notification relevant to order payment.
type PaymentEvent struct {
	ID        string
	Type      string
	SessionID string
	// Paid is true when the event reports captured funds for the session.
	Paid bool
}

// StripeWebhookVerifier authenticates Stripe webhook deliveries.
type StripeWebhookVerifier struct {
	secret string
}

// NewStripeWebhookVerifier constructs a verifier using the endpoint signing secret.
func NewStripeWebhookVerifier(secret string) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook signing secret is required")
	}
	return &StripeWebhookVerifier{secret: secret}, nil
}

// Verify checks the Stripe-Signature header and extracts the checkout session
// referenced by the event. Events unrelated to checkout sessions are returned
// with an empty SessionID.
func (v *StripeWebhookVerifier) Verify(payload []byte, signature string) (PaymentEvent, error) {
	if v == nil {
		return PaymentEvent{}, errors.New("stripe: webhook verifier is nil")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := PaymentEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return PaymentEvent{}, fmt.Errorf("stripe: decode checkout session event: %w", err)
	}
	out.SessionID = session.ID
	switch out.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		out.Paid = session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	}
	return out, nil
}
