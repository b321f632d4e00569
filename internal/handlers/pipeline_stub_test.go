package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/services"
)

type stubPipeline struct {
	checkoutFn func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error)
	confirmFn  func(context.Context, services.ConfirmPaymentCommand) (services.PipelineResult, error)
	resendFn   func(context.Context, services.ResendFulfillmentCommand) (services.PipelineResult, error)
	cancelFn   func(context.Context, services.CancelOrderCommand) (domain.Order, error)
	getFn      func(context.Context, string, string) (domain.Order, error)
	shipmentFn func(context.Context, services.ShipmentUpdate) (domain.Order, error)
	listFn     func(context.Context, int) ([]domain.Order, error)
}

var _ services.OrderPipeline = (*stubPipeline)(nil)

func (s *stubPipeline) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	if s.checkoutFn == nil {
		return services.CheckoutResult{}, nil
	}
	return s.checkoutFn(ctx, cmd)
}

func (s *stubPipeline) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.PipelineResult, error) {
	if s.confirmFn == nil {
		return services.PipelineResult{}, nil
	}
	return s.confirmFn(ctx, cmd)
}

func (s *stubPipeline) ResendFulfillment(ctx context.Context, cmd services.ResendFulfillmentCommand) (services.PipelineResult, error) {
	if s.resendFn == nil {
		return services.PipelineResult{}, nil
	}
	return s.resendFn(ctx, cmd)
}

func (s *stubPipeline) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn == nil {
		return domain.Order{}, nil
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubPipeline) GetOrder(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	if s.getFn == nil {
		return domain.Order{}, nil
	}
	return s.getFn(ctx, orderID, actorID)
}

func (s *stubPipeline) RecordShipment(ctx context.Context, update services.ShipmentUpdate) (domain.Order, error) {
	if s.shipmentFn == nil {
		return domain.Order{}, nil
	}
	return s.shipmentFn(ctx, update)
}

func (s *stubPipeline) ListUnfulfilledOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, limit)
}

func sampleOrder(status domain.OrderStatus) domain.Order {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:       "ord_1",
		Number:   "PC-2026-000001",
		UserID:   "user-1",
		Status:   status,
		Currency: "USD",
		Totals:   domain.OrderTotals{Subtotal: 4000, Shipping: 599, Tax: 320, Total: 4919},
		Items: []domain.OrderItem{{
			ID:         "oit_1",
			VariantID:  "var_1",
			Size:       "M",
			Color:      "black",
			Quantity:   2,
			UnitPrice:  2000,
			TotalPrice: 4000,
			Design:     &domain.DesignSnapshot{DesignID: "dsn_1"},
		}},
		Payment:   domain.OrderPayment{Provider: "stripe", SessionID: "cs_1", IntentID: "pi_1"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}
