package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/services"
)

const (
	maxCheckoutRequestBody = 32 * 1024
	idempotencyKeyHeader   = "Idempotency-Key"
)

// CheckoutHandlers exposes checkout related endpoints for authenticated users.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	pipeline services.OrderPipeline
	limiter  checkoutLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit caps new checkout sessions per user. A non-positive
// limit or window disables the cap.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, pipeline services.OrderPipeline, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		pipeline: pipeline,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/checkout/session", h.createSession)
	group.Post("/checkout/confirm", h.confirmCheckout)
}

type checkoutSessionRequest struct {
	ShippingAddress services.Address    `json:"shippingAddress"`
	Items           []services.CartLine `json:"items"`
	DesignID        string              `json:"designId"`
	SuccessURL      string              `json:"successUrl"`
	CancelURL       string              `json:"cancelUrl"`
}

type checkoutSessionResponse struct {
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	SessionID   string             `json:"sessionId"`
	URL         string             `json:"url"`
	ExpiresAt   string             `json:"expiresAt,omitempty"`
	Currency    string             `json:"currency"`
	Totals      orderTotalsPayload `json:"totals"`
}

type checkoutConfirmRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; retry later", http.StatusTooManyRequests))
		return
	}

	var req checkoutSessionRequest
	if status, err := decodeBody(r, maxCheckoutRequestBody, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one item is required", http.StatusBadRequest))
		return
	}

	result, err := h.pipeline.Checkout(ctx, services.CheckoutCommand{
		ActorID:         identity.UID,
		ShippingAddress: req.ShippingAddress,
		Items:           req.Items,
		DesignID:        strings.TrimSpace(req.DesignID),
		SuccessURL:      strings.TrimSpace(req.SuccessURL),
		CancelURL:       strings.TrimSpace(req.CancelURL),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutSessionResponse{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
		SessionID:   result.SessionID,
		URL:         result.RedirectURL,
		ExpiresAt:   formatTime(result.ExpiresAt),
		Currency:    result.Currency,
		Totals: orderTotalsPayload{
			Subtotal: result.Totals.Subtotal,
			Shipping: result.Totals.Shipping,
			Tax:      result.Totals.Tax,
			Total:    result.Totals.Total,
		},
	})
}

// confirmCheckout lets the client report its return from the PSP. It converges
// with the payment webhook; whichever arrives first drives fulfillment.
func (h *CheckoutHandlers) confirmCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req checkoutConfirmRequest
	if status, err := decodeBody(r, maxCheckoutRequestBody, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionId is required", http.StatusBadRequest))
		return
	}

	result, err := h.pipeline.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		SessionID: sessionID,
		ActorID:   identity.UID,
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPipelineResultPayload(result))
}
