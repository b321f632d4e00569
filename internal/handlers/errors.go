package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/printcraft/api/internal/platform/httpx"
	"github.com/printcraft/api/internal/platform/partnerapi"
	"github.com/printcraft/api/internal/services"
)

// writePipelineError maps order pipeline failures onto the JSON error envelope.
func writePipelineError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var (
		validation   *services.ValidationError
		notPrintable *services.DesignNotPrintableError
		notPaid      *services.PaymentNotCompletedError
		refund       *services.RefundFailureError
	)
	switch {
	case errors.As(err, &validation):
		if validation.Retryable {
			httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "product catalog unavailable; retry shortly", http.StatusServiceUnavailable).
				WithDetails(map[string]any{"problems": validation.Problems}))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "order failed validation", http.StatusBadRequest).
			WithDetails(map[string]any{"problems": validation.Problems}))
	case errors.As(err, &notPrintable):
		httpx.WriteError(ctx, w, httpx.NewError("design_not_printable", notPrintable.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"designId": notPrintable.DesignID}))
	case errors.As(err, &notPaid):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_completed", "payment has not been completed", http.StatusPaymentRequired).
			WithDetails(map[string]any{"sessionStatus": notPaid.Status}))
	case errors.As(err, &refund):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", "order could not be refunded; support has been notified", http.StatusBadGateway).
			WithDetails(map[string]any{"orderId": refund.OrderID}))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order is not in a state that allows this action", http.StatusConflict))
	case errors.Is(err, services.ErrFulfillmentAlreadyRecorded):
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_already_recorded", "order was already sent to the partner", http.StatusConflict))
	case errors.Is(err, services.ErrCompensationPending):
		httpx.WriteError(ctx, w, httpx.NewError("refund_in_progress", "order is being refunded and cannot be sent to the partner", http.StatusConflict))
	case errors.Is(err, services.ErrSubmissionInProgress), errors.Is(err, services.ErrSubmissionLeaseLost):
		httpx.WriteError(ctx, w, httpx.NewError("submission_in_progress", "a fulfillment attempt is already running", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	case errors.Is(err, partnerapi.ErrUnavailable), errors.Is(err, services.ErrRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("dependency_unavailable", "a downstream service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
