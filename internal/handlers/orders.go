package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/services"
)

const maxOrderActionBody = 4 * 1024

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer's view of their orders.
type OrderHandlers struct {
	authn    *auth.Authenticator
	pipeline services.OrderPipeline
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, pipeline services.OrderPipeline) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		pipeline: pipeline,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:resend-fulfillment", h.resendFulfillment)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	order, err := h.pipeline.GetOrder(ctx, orderID, uid)
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if status, err := decodeBody(r, maxOrderActionBody, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	order, err := h.pipeline.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		ActorID: uid,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) resendFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	result, err := h.pipeline.ResendFulfillment(ctx, services.ResendFulfillmentCommand{
		OrderID: orderID,
		ActorID: uid,
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPipelineResultPayload(result))
}

func (h *OrderHandlers) prepare(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", "", false
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", "", false
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_id", "order id is required", http.StatusBadRequest))
		return "", "", false
	}
	return identity.UID, orderID, true
}
