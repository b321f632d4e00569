package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/services"
)

// InternalOrderHandlers expose operator actions to trusted service callers.
// The /internal group is expected to run behind the OIDC middleware.
type InternalOrderHandlers struct {
	pipeline services.OrderPipeline
}

// NewInternalOrderHandlers constructs the operator order endpoints.
func NewInternalOrderHandlers(pipeline services.OrderPipeline) *InternalOrderHandlers {
	return &InternalOrderHandlers{pipeline: pipeline}
}

// Routes registers the operator endpoints under /internal.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders:unfulfilled", h.listUnfulfilled)
	r.Post("/orders/{orderID}:resend-fulfillment", h.resendFulfillment)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
}

type unfulfilledOrderPayload struct {
	orderPayload
	UserID              string `json:"userId"`
	SubmissionAttemptID string `json:"submissionAttemptId,omitempty"`
	SubmissionClaimedAt string `json:"submissionClaimedAt,omitempty"`
	RefundRequestedAt   string `json:"refundRequestedAt,omitempty"`
}

type unfulfilledOrdersResponse struct {
	Orders []unfulfilledOrderPayload `json:"orders"`
}

// listUnfulfilled shows paid orders without a partner reference so operators can
// resend or cancel them.
func (h *InternalOrderHandlers) listUnfulfilled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authorize(w, r) {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_limit", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	orders, err := h.pipeline.ListUnfulfilledOrders(ctx, limit)
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	resp := unfulfilledOrdersResponse{Orders: make([]unfulfilledOrderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, unfulfilledOrderPayload{
			orderPayload:        buildOrderPayload(order),
			UserID:              order.UserID,
			SubmissionAttemptID: order.Fulfillment.SubmissionAttemptID,
			SubmissionClaimedAt: formatTimePtr(order.Fulfillment.SubmissionClaimedAt),
			RefundRequestedAt:   formatTimePtr(order.Payment.RefundRequestedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *InternalOrderHandlers) resendFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	result, err := h.pipeline.ResendFulfillment(ctx, services.ResendFulfillmentCommand{
		OrderID:  orderID,
		ActorID:  operator,
		Operator: true,
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPipelineResultPayload(result))
}

func (h *InternalOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operator, orderID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if status, err := decodeBody(r, maxOrderActionBody, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	order, err := h.pipeline.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID:  orderID,
		ActorID:  operator,
		Operator: true,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writePipelineError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *InternalOrderHandlers) authorize(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	if h.pipeline == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	if _, ok := auth.ServiceIdentityFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service identity required", http.StatusUnauthorized))
		return false
	}
	return true
}

func (h *InternalOrderHandlers) prepare(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	if !h.authorize(w, r) {
		return "", "", false
	}

	identity, _ := auth.ServiceIdentityFromContext(ctx)
	operator := identity.Actor()
	if operator == "" {
		operator = "service"
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order_id", "order id is required", http.StatusBadRequest))
		return "", "", false
	}
	return operator, orderID, true
}
