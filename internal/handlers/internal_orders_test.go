package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/platform/auth"
	"github.com/printcraft/api/internal/services"
)

func serveInternal(pipeline services.OrderPipeline, path, body string, identity *auth.ServiceIdentity) *httptest.ResponseRecorder {
	return serveInternalMethod(pipeline, http.MethodPost, path, body, identity)
}

func serveInternalMethod(pipeline services.OrderPipeline, method, path, body string, identity *auth.ServiceIdentity) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Route("/internal", NewInternalOrderHandlers(pipeline).Routes)
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if identity != nil {
		req = req.WithContext(auth.WithServiceIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestInternalOrderHandlersResendAsOperator(t *testing.T) {
	var captured services.ResendFulfillmentCommand
	pipeline := &stubPipeline{
		resendFn: func(_ context.Context, cmd services.ResendFulfillmentCommand) (services.PipelineResult, error) {
			captured = cmd
			return services.PipelineResult{Order: sampleOrder(domain.OrderStatusCancelled), Outcome: services.OutcomeRefunded}, nil
		},
	}
	identity := &auth.ServiceIdentity{Subject: "1234", Email: "ops@printcraft.iam.gserviceaccount.com"}

	rr := serveInternal(pipeline, "/internal/orders/ord_1:resend-fulfillment", "", identity)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.Operator || captured.ActorID != "ops@printcraft.iam.gserviceaccount.com" || captured.OrderID != "ord_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if body := decodeJSON(t, rr); body["outcome"] != "refunded" {
		t.Fatalf("unexpected outcome %v", body["outcome"])
	}
}

func TestInternalOrderHandlersCancelAsOperator(t *testing.T) {
	var captured services.CancelOrderCommand
	pipeline := &stubPipeline{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(domain.OrderStatusCancelled), nil
		},
	}
	rr := serveInternal(pipeline, "/internal/orders/ord_1:cancel", `{"reason":"fraud review"}`, &auth.ServiceIdentity{Subject: "svc-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !captured.Operator || captured.ActorID != "svc-1" || captured.Reason != "fraud review" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestInternalOrderHandlersRequireServiceIdentity(t *testing.T) {
	rr := serveInternal(&stubPipeline{}, "/internal/orders/ord_1:cancel", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestInternalOrderHandlersListUnfulfilled(t *testing.T) {
	var gotLimit int
	parked := sampleOrder(domain.OrderStatusPaid)
	claimed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	parked.Fulfillment.SubmissionAttemptID = "att_1"
	parked.Fulfillment.SubmissionClaimedAt = &claimed
	parked.Payment.RefundRequestedAt = &claimed
	pipeline := &stubPipeline{
		listFn: func(_ context.Context, limit int) ([]domain.Order, error) {
			gotLimit = limit
			return []domain.Order{parked}, nil
		},
	}

	rr := serveInternalMethod(pipeline, http.MethodGet, "/internal/orders:unfulfilled?limit=25", "", &auth.ServiceIdentity{Subject: "svc-1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotLimit != 25 {
		t.Fatalf("expected limit forwarded, got %d", gotLimit)
	}
	orders, ok := decodeJSON(t, rr)["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected one order, got %s", rr.Body.String())
	}
	order := orders[0].(map[string]any)
	if order["id"] != "ord_1" || order["userId"] != "user-1" || order["submissionAttemptId"] != "att_1" {
		t.Fatalf("unexpected order %v", order)
	}
	if order["refundRequestedAt"] != "2026-03-01T09:30:00Z" {
		t.Fatalf("expected refund marker exposed, got %v", order["refundRequestedAt"])
	}
}

func TestInternalOrderHandlersListUnfulfilledRejectsBadInput(t *testing.T) {
	pipeline := &stubPipeline{
		listFn: func(context.Context, int) ([]domain.Order, error) {
			t.Fatal("pipeline must not be called")
			return nil, nil
		},
	}
	if rr := serveInternalMethod(pipeline, http.MethodGet, "/internal/orders:unfulfilled?limit=abc", "", &auth.ServiceIdentity{Subject: "svc-1"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", rr.Code)
	}
	if rr := serveInternalMethod(pipeline, http.MethodGet, "/internal/orders:unfulfilled", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a service identity, got %d", rr.Code)
	}
}
