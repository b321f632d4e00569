package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/printcraft/api/internal/payments"
	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/platform/observability"
	"github.com/printcraft/api/internal/services"
)

const (
	maxWebhookBody        = 64 * 1024
	stripeSignatureHeader = "Stripe-Signature"

	shipmentEventShipped   = "shipped"
	shipmentEventDelivered = "delivered"
)

// PaymentEventVerifier authenticates a PSP webhook delivery.
type PaymentEventVerifier interface {
	Verify(payload []byte, signature string) (payments.PaymentEvent, error)
}

type webhookAck struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// PaymentWebhookHandlers accept PSP notifications and reconcile orders.
type PaymentWebhookHandlers struct {
	verifier PaymentEventVerifier
	pipeline services.OrderPipeline
	provider string
}

// NewPaymentWebhookHandlers wires the Stripe webhook endpoint.
func NewPaymentWebhookHandlers(verifier PaymentEventVerifier, pipeline services.OrderPipeline) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{
		verifier: verifier,
		pipeline: pipeline,
		provider: "stripe",
	}
}

// Routes registers the payment webhook under the /webhooks group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx).Named("webhooks.payments")
	if h.verifier == nil || h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhook not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature verification failed", http.StatusUnauthorized))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload could not be decoded", http.StatusBadRequest))
		return
	}
	if event.SessionID == "" || !event.Paid {
		logger.Debug("ignoring payment event", zap.String("eventId", event.ID), zap.String("type", event.Type))
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	result, err := h.pipeline.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		SessionID: event.SessionID,
		Provider:  h.provider,
		System:    true,
	})
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, webhookAck{
			Status:  "processed",
			Outcome: string(result.Outcome),
			OrderID: result.Order.ID,
		})
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrInvalidTransition):
		// Redelivery cannot change the outcome; acknowledge so the PSP stops retrying.
		logger.Warn("payment event not applied",
			zap.String("eventId", event.ID),
			zap.String("sessionId", event.SessionID),
			zap.Error(err),
		)
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored"})
	default:
		writePipelineError(ctx, w, err)
	}
}

type shipmentWebhookRequest struct {
	OrderID        string `json:"orderId"`
	ExternalID     string `json:"externalId"`
	Event          string `json:"event"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
	TrackingURL    string `json:"trackingUrl"`
}

// ShipmentWebhookHandlers accept carrier updates from the fulfillment partner.
type ShipmentWebhookHandlers struct {
	pipeline services.OrderPipeline
	auth     func(http.Handler) http.Handler
}

// NewShipmentWebhookHandlers wires the partner shipment endpoint behind auth,
// typically the HMAC signature middleware.
func NewShipmentWebhookHandlers(pipeline services.OrderPipeline, auth func(http.Handler) http.Handler) *ShipmentWebhookHandlers {
	return &ShipmentWebhookHandlers{pipeline: pipeline, auth: auth}
}

// Routes registers the shipment webhook under the /webhooks group.
func (h *ShipmentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.auth != nil {
		group = group.With(h.auth)
	}
	group.Post("/fulfillment/shipments", h.handleShipment)
}

func (h *ShipmentWebhookHandlers) handleShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "shipment webhook not configured", http.StatusServiceUnavailable))
		return
	}

	var req shipmentWebhookRequest
	if status, err := decodeBody(r, maxWebhookBody, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	// Submissions carry the order id as the partner's external id.
	orderID := firstNonBlank(req.OrderID, req.ExternalID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}
	var delivered bool
	switch strings.ToLower(strings.TrimSpace(req.Event)) {
	case shipmentEventShipped, "":
	case shipmentEventDelivered:
		delivered = true
	default:
		writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored", OrderID: orderID})
		return
	}

	order, err := h.pipeline.RecordShipment(ctx, services.ShipmentUpdate{
		OrderID:   orderID,
		Delivered: delivered,
		Shipment: services.Shipment{
			Carrier:        strings.TrimSpace(req.Carrier),
			TrackingNumber: strings.TrimSpace(req.TrackingNumber),
			TrackingURL:    strings.TrimSpace(req.TrackingURL),
		},
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			observability.FromContext(ctx).Named("webhooks.shipments").Warn("shipment event not applied",
				zap.String("orderId", orderID),
				zap.String("event", req.Event),
				zap.Error(err),
			)
			writeJSONResponse(w, http.StatusOK, webhookAck{Status: "ignored", OrderID: orderID})
			return
		}
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookAck{Status: "processed", Outcome: string(order.Status), OrderID: order.ID})
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
