package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/fulfillment"
	"github.com/printcraft/api/internal/payments"
)

type stubValidator struct {
	result ValidatedOrder
	err    error
	calls  int
}

func (s *stubValidator) Validate(context.Context, ValidateOrderCommand) (ValidatedOrder, error) {
	s.calls++
	if s.err != nil {
		return ValidatedOrder{}, s.err
	}
	return s.result, nil
}

type stubSubmitter struct {
	calls int
	fn    func(domain.Order) (SubmissionResult, error)
}

func (s *stubSubmitter) Submit(ctx context.Context, order domain.Order, renew LeaseRenewer) (SubmissionResult, error) {
	s.calls++
	if renew != nil {
		if err := renew(ctx); err != nil {
			return SubmissionResult{}, err
		}
	}
	if s.fn != nil {
		return s.fn(order)
	}
	return SubmissionResult{
		ExternalOrderID: "pf_1",
		Items:           []ItemResult{{ItemID: order.Items[0].ID, VariantID: order.Items[0].VariantID, Submitted: true}},
	}, nil
}

type pipelineFixture struct {
	pipeline   OrderPipeline
	deps       OrderPipelineDeps
	now        time.Time
	repo       *memoryOrderRepo
	payments   *stubPaymentGateway
	submitter  *stubSubmitter
	validator  *stubValidator
	dispatcher *recordingDispatcher
	logs       *captureLogger
}

func newPipelineFixture(t *testing.T, orders ...domain.Order) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	repo := newMemoryOrderRepo(orders...)
	ledger, _ := newTestLedger(t, repo, clock)
	gateway := &stubPaymentGateway{sessions: map[string]payments.SessionDetails{
		"cs_1": {
			ID:       "cs_1",
			Provider: "stripe",
			Status:   payments.SessionStatusCompleted,
			IntentID: "pi_1",
			OrderID:  "ord_1",
			UserID:   "user_1",
			Amount:   4917,
			Currency: "USD",
		},
	}}
	dispatcher := &recordingDispatcher{}
	compensation, err := NewCompensationEngine(CompensationEngineDeps{
		Payments:      gateway,
		Ledger:        ledger,
		Notifications: dispatcher,
	})
	if err != nil {
		t.Fatalf("new compensation engine: %v", err)
	}

	template := sampleOrder()
	items := make([]domain.OrderItem, len(template.Items))
	copy(items, template.Items)
	for i := range items {
		items[i].ID = ""
	}
	validator := &stubValidator{result: ValidatedOrder{
		Currency:        "USD",
		ShippingAddress: template.ShippingAddress,
		Items:           items,
		Totals:          template.Totals,
	}}
	submitter := &stubSubmitter{}
	logs := &captureLogger{}
	seq := 0
	f.deps = OrderPipelineDeps{
		Validator:    validator,
		Ledger:       ledger,
		Submitter:    submitter,
		Compensation: compensation,
		Payments:     gateway,
		SuccessURL:   "https://shop.example.com/orders/{ORDER_ID}?paid=1",
		CancelURL:    "https://shop.example.com/cart",
		Clock:        clock,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("ID%d", seq)
		},
		Logger: logs.log,
	}
	f.repo = repo
	f.payments = gateway
	f.submitter = submitter
	f.validator = validator
	f.dispatcher = dispatcher
	f.logs = logs
	f.rebuild(t)
	return f
}

func (f *pipelineFixture) rebuild(t *testing.T) {
	t.Helper()
	pipeline, err := NewOrderPipeline(f.deps)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	f.pipeline = pipeline
}

// usePartner swaps the stub submitter for the real one backed by gateway.
func (f *pipelineFixture) usePartner(t *testing.T, gateway *stubFulfillmentGateway) {
	t.Helper()
	submitter, _ := newTestSubmitter(t, gateway, nil)
	f.deps.Submitter = submitter
	f.rebuild(t)
}

func (f *pipelineFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestCheckoutCreatesPendingOrderWithSession(t *testing.T) {
	f := newPipelineFixture(t)

	result, err := f.pipeline.Checkout(context.Background(), CheckoutCommand{
		ActorID:         "user_1",
		ShippingAddress: validAddress(),
		IdempotencyKey:  "idem-1",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.OrderID != "ord_ID1" || result.OrderNumber != "PC-2026-000001" {
		t.Fatalf("unexpected identifiers %+v", result)
	}
	if result.SessionID != "cs_ord_ID1" || result.RedirectURL == "" {
		t.Fatalf("expected session details, got %+v", result)
	}
	if result.Totals.Total != 4917 || result.Currency != "USD" {
		t.Fatalf("unexpected totals %+v", result)
	}

	stored := f.repo.get("ord_ID1")
	if stored.Status != domain.OrderStatusPending || stored.Payment.SessionID != "cs_ord_ID1" {
		t.Fatalf("expected pending order with session, got %+v", stored)
	}
	if stored.Items[0].ID != "oit_ID2" {
		t.Fatalf("expected generated item id, got %s", stored.Items[0].ID)
	}

	req := f.payments.created[0]
	if req.IdempotencyKey != "idem-1" || req.Total != 4917 || req.Tax != 320 || req.Shipping != 599 {
		t.Fatalf("unexpected session request %+v", req)
	}
	if req.SuccessURL != "https://shop.example.com/orders/ord_ID1?paid=1" {
		t.Fatalf("unexpected success url %s", req.SuccessURL)
	}
	if len(req.Items) != 1 || req.Items[0].Amount != 1999 || req.Items[0].Quantity != 2 {
		t.Fatalf("unexpected line items %+v", req.Items)
	}
}

func TestCheckoutRedirectsStayOnConfiguredOrigin(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.pipeline.Checkout(context.Background(), CheckoutCommand{
		ActorID:    "user_1",
		SuccessURL: "https://shop.example.com/thanks/{ORDER_ID}",
		CancelURL:  "https://SHOP.example.com/cart?step=2",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	req := f.payments.created[0]
	if req.SuccessURL != "https://shop.example.com/thanks/ord_ID1" || req.CancelURL != "https://SHOP.example.com/cart?step=2" {
		t.Fatalf("unexpected redirects %s %s", req.SuccessURL, req.CancelURL)
	}

	for _, raw := range []string{
		"https://evil.example.net/phish",
		"http://shop.example.com/cart",
		"//shop.example.com/cart",
		"javascript:alert(1)",
	} {
		_, err := f.pipeline.Checkout(context.Background(), CheckoutCommand{ActorID: "user_1", SuccessURL: raw})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected %q rejected, got %v", raw, err)
		}
	}
	if f.validator.calls != 1 || len(f.payments.created) != 1 {
		t.Fatalf("rejected redirects must not create orders or sessions")
	}
}

func TestCheckoutValidationFailureCreatesNothing(t *testing.T) {
	f := newPipelineFixture(t)
	f.validator.err = &ValidationError{Problems: []Problem{{Field: "items", Message: "empty"}}}

	_, err := f.pipeline.Checkout(context.Background(), CheckoutCommand{ActorID: "user_1"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.repo.writes != 0 || len(f.payments.created) != 0 {
		t.Fatalf("nothing must be persisted or charged")
	}
}

func TestCheckoutSessionFailureClosesOrder(t *testing.T) {
	f := newPipelineFixture(t)
	f.payments.createFn = func(payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, errors.New("stripe unavailable")
	}

	if _, err := f.pipeline.Checkout(context.Background(), CheckoutCommand{ActorID: "user_1"}); err == nil {
		t.Fatalf("expected error")
	}
	stored := f.repo.get("ord_ID1")
	if stored.Status != domain.OrderStatusError {
		t.Fatalf("expected order closed as error, got %s", stored.Status)
	}
}

func TestConfirmPaymentSubmitsToFulfillment(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())

	result, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "user_1"})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if result.Outcome != OutcomeSubmitted {
		t.Fatalf("expected submitted, got %s", result.Outcome)
	}
	if result.Order.Status != domain.OrderStatusProcessing || result.Order.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("unexpected order %+v", result.Order)
	}
	stored := f.repo.get("ord_1")
	if stored.Payment.IntentID != "pi_1" || stored.Fulfillment.SubmissionAttemptID != "" {
		t.Fatalf("expected paid intent and released lease, got %+v", stored)
	}
	if len(stored.StatusHistory) != 2 {
		t.Fatalf("expected paid and processing transitions, got %+v", stored.StatusHistory)
	}
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	cmd := ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "user_1"}

	if _, err := f.pipeline.ConfirmPayment(context.Background(), cmd); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", System: true})
	if err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	if second.Outcome != OutcomeUnchanged || second.Order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected unchanged processing order, got %+v", second)
	}
	if f.submitter.calls != 1 {
		t.Fatalf("expected a single submission, got %d", f.submitter.calls)
	}
}

func TestConfirmPaymentRequiresCompletedSession(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	details := f.payments.sessions["cs_1"]
	details.Status = payments.SessionStatusOpen
	f.payments.sessions["cs_1"] = details

	_, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "user_1"})
	var notPaid *PaymentNotCompletedError
	if !errors.As(err, &notPaid) || notPaid.Status != "open" {
		t.Fatalf("expected PaymentNotCompletedError, got %v", err)
	}
	if f.repo.get("ord_1").Status != domain.OrderStatusPending {
		t.Fatalf("order must stay pending")
	}
}

func TestConfirmPaymentChecksOwnership(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())

	_, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "intruder"})
	if !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", System: true}); err != nil {
		t.Fatalf("system confirm: %v", err)
	}
}

func TestConfirmPaymentUnknownSession(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	_, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_missing", ActorID: "user_1"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfirmPaymentCompensatesFailedSubmission(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	f.submitter.fn = func(order domain.Order) (SubmissionResult, error) {
		return SubmissionResult{}, &NoFulfillableItemsError{OrderID: order.ID, Items: []ItemResult{{ItemID: "oit_1", Reason: "variant discontinued"}}}
	}

	result, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "user_1"})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if result.Outcome != OutcomeRefunded || result.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected refunded cancellation, got %+v", result)
	}
	if len(result.Items) != 1 || result.Items[0].Reason != "variant discontinued" {
		t.Fatalf("expected item reasons surfaced, got %+v", result.Items)
	}
	if len(f.payments.refunds) != 1 || f.payments.refunds[0].Amount != 4917 {
		t.Fatalf("expected full refund, got %+v", f.payments.refunds)
	}
	if len(f.dispatcher.messages) != 1 {
		t.Fatalf("expected customer notification")
	}
}

func TestConfirmPaymentRefundFailureNeedsSupport(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	f.payments.refundErr = payments.ErrRefundDeclined
	f.submitter.fn = func(order domain.Order) (SubmissionResult, error) {
		return SubmissionResult{}, &FulfillmentSubmissionError{OrderID: order.ID, Message: "partner down"}
	}

	result, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", ActorID: "user_1"})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if result.Outcome != OutcomeNeedsSupport || result.Order.Status != domain.OrderStatusError {
		t.Fatalf("expected needs_support error order, got %+v", result)
	}
	if f.repo.get("ord_1").FailureReason != "fulfillment failed and refund failed: partner down" {
		t.Fatalf("unexpected failure reason %q", f.repo.get("ord_1").FailureReason)
	}
}

func TestConfirmPaymentSkipsWhileSubmissionInFlight(t *testing.T) {
	order := samplePaidOrder()
	claimed := time.Date(2026, 5, 1, 9, 59, 30, 0, time.UTC)
	order.Fulfillment.SubmissionAttemptID = "other"
	order.Fulfillment.SubmissionClaimedAt = &claimed
	f := newPipelineFixture(t, order)

	result, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", System: true})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if result.Outcome != OutcomeUnchanged || f.submitter.calls != 0 {
		t.Fatalf("expected no second submission, got %+v (calls %d)", result, f.submitter.calls)
	}
	if f.repo.get("ord_1").Fulfillment.SubmissionAttemptID != "other" {
		t.Fatalf("foreign lease must be kept")
	}
}

// partnerWithDedup behaves like the partner: one order per external id, later
// submissions for the same id are rejected as duplicates.
func partnerWithDedup() *stubFulfillmentGateway {
	created := map[string]string{}
	gateway := &stubFulfillmentGateway{}
	gateway.submitFn = func(_ context.Context, req fulfillment.SubmitRequest) (fulfillment.SubmitResult, error) {
		if _, ok := created[req.ExternalID]; ok {
			return fulfillment.SubmitResult{}, &fulfillment.PartnerError{StatusCode: 409, Message: "Order with this external_id already exists"}
		}
		id := fmt.Sprintf("pf_%d", len(created)+1)
		created[req.ExternalID] = id
		return fulfillment.SubmitResult{ExternalOrderID: id}, nil
	}
	gateway.lookupFn = func(externalID string) (fulfillment.SubmitResult, error) {
		if id, ok := created[externalID]; ok {
			return fulfillment.SubmitResult{ExternalOrderID: id}, nil
		}
		return fulfillment.SubmitResult{}, &fulfillment.PartnerError{StatusCode: 404, Message: "Not found"}
	}
	return gateway
}

func TestStalledAttemptStopsAfterTakeover(t *testing.T) {
	f := newPipelineFixture(t, samplePaidOrder())
	partner := partnerWithDedup()
	f.usePartner(t, partner)
	ctx := context.Background()

	var takeover PipelineResult
	var takeoverErr error
	partner.onValidate = func() {
		partner.onValidate = nil
		// The first attempt stalls past the lease TTL and a retry takes over.
		f.advance(defaultSubmissionLeaseTTL + time.Second)
		takeover, takeoverErr = f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	}

	_, err := f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected the stalled attempt to lose its lease, got %v", err)
	}
	if takeoverErr != nil || takeover.Outcome != OutcomeSubmitted {
		t.Fatalf("expected the takeover to submit, got %+v (%v)", takeover, takeoverErr)
	}
	if len(partner.submitted) != 1 {
		t.Fatalf("expected one partner order, got %d", len(partner.submitted))
	}
	stored := f.repo.get("ord_1")
	if stored.Status != domain.OrderStatusProcessing || stored.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("unexpected order %+v", stored)
	}
	if len(f.payments.refunds) != 0 {
		t.Fatalf("a lost lease must never refund")
	}
}

func TestSlowPartnerCallAndTakeoverKeepOnePartnerOrder(t *testing.T) {
	f := newPipelineFixture(t, samplePaidOrder())
	partner := partnerWithDedup()
	accept := partner.submitFn
	f.usePartner(t, partner)
	ctx := context.Background()

	var takeover PipelineResult
	var takeoverErr error
	partner.submitFn = func(ctx context.Context, req fulfillment.SubmitRequest) (fulfillment.SubmitResult, error) {
		res, err := accept(ctx, req)
		if len(partner.submitted) == 1 {
			// The partner accepted, but the response arrives after the lease expired.
			f.advance(defaultSubmissionLeaseTTL + time.Second)
			takeover, takeoverErr = f.pipeline.ConfirmPayment(ctx, ConfirmPaymentCommand{SessionID: "cs_1", System: true})
		}
		return res, err
	}

	first, err := f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if takeoverErr != nil || takeover.Order.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("expected the takeover to adopt the existing partner order, got %+v (%v)", takeover, takeoverErr)
	}
	if first.Order.Fulfillment.ExternalOrderID != "pf_1" || len(partner.lookups) != 1 {
		t.Fatalf("unexpected first result %+v (lookups %v)", first.Order, partner.lookups)
	}
	stored := f.repo.get("ord_1")
	if stored.Status != domain.OrderStatusProcessing || len(stored.StatusHistory) != 1 {
		t.Fatalf("expected a single processing transition, got %+v", stored)
	}
	if len(f.payments.refunds) != 0 {
		t.Fatalf("a duplicate must never refund")
	}
}

func TestSubmissionRecordRetriesTransientFailures(t *testing.T) {
	fastLedgerRetries(t)
	f := newPipelineFixture(t, samplePaidOrder())
	f.repo.commitErr = failWrites(hasStatus(domain.OrderStatusProcessing), 2)

	result, err := f.pipeline.ResendFulfillment(context.Background(), ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if result.Outcome != OutcomeSubmitted || f.submitter.calls != 1 {
		t.Fatalf("expected one submission recorded, got %+v (calls %d)", result, f.submitter.calls)
	}
}

func TestUnrecordedSubmissionKeepsLease(t *testing.T) {
	fastLedgerRetries(t)
	f := newPipelineFixture(t, samplePaidOrder())
	f.repo.commitErr = failWrites(hasStatus(domain.OrderStatusProcessing), -1)
	ctx := context.Background()

	_, err := f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
	stored := f.repo.get("ord_1")
	if stored.Status != domain.OrderStatusPaid || stored.Fulfillment.SubmissionAttemptID == "" {
		t.Fatalf("lease must be kept after the partner accepted, got %+v", stored.Fulfillment)
	}
	entry, ok := f.logs.find(pipelineEventRecordFailed)
	if !ok || entry.fields["externalOrderId"] != "pf_1" || entry.fields["severity"] != "ERROR" {
		t.Fatalf("expected record failure logged with the partner id, got %+v", entry)
	}
	if len(f.payments.refunds) != 0 {
		t.Fatalf("an accepted submission must not be refunded")
	}

	replay, err := f.pipeline.ConfirmPayment(ctx, ConfirmPaymentCommand{SessionID: "cs_1", System: true})
	if err != nil || replay.Outcome != OutcomeUnchanged || f.submitter.calls != 1 {
		t.Fatalf("expected no resubmission under the held lease, got %+v (%v, calls %d)", replay, err, f.submitter.calls)
	}

	f.repo.commitErr = nil
	f.advance(defaultSubmissionLeaseTTL + time.Second)
	recovered, err := f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if recovered.Order.Status != domain.OrderStatusProcessing || recovered.Order.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("unexpected recovered order %+v", recovered.Order)
	}
}

func TestRefundMarkerBlocksResubmission(t *testing.T) {
	fastLedgerRetries(t)
	f := newPipelineFixture(t, sampleOrder())
	f.submitter.fn = func(order domain.Order) (SubmissionResult, error) {
		return SubmissionResult{}, &FulfillmentSubmissionError{OrderID: order.ID, Message: "out of stock"}
	}
	f.repo.commitErr = failWrites(hasStatus(domain.OrderStatusCancelled), -1)
	ctx := context.Background()

	if _, err := f.pipeline.ConfirmPayment(ctx, ConfirmPaymentCommand{SessionID: "cs_1", System: true}); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
	stored := f.repo.get("ord_1")
	if stored.Status != domain.OrderStatusPaid || stored.Payment.RefundRequestedAt == nil || stored.Fulfillment.SubmissionAttemptID == "" {
		t.Fatalf("expected paid order with refund marker and held lease, got %+v", stored)
	}
	if len(f.payments.refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(f.payments.refunds))
	}

	f.repo.commitErr = nil
	f.advance(defaultSubmissionLeaseTTL + time.Second)
	if _, err := f.pipeline.ResendFulfillment(ctx, ResendFulfillmentCommand{OrderID: "ord_1", Operator: true}); !errors.Is(err, ErrCompensationPending) {
		t.Fatalf("expected ErrCompensationPending, got %v", err)
	}
	replay, err := f.pipeline.ConfirmPayment(ctx, ConfirmPaymentCommand{SessionID: "cs_1", System: true})
	if err != nil || replay.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged replay, got %+v (%v)", replay, err)
	}
	if f.submitter.calls != 1 {
		t.Fatalf("refunded order must not reach the partner again, got %d calls", f.submitter.calls)
	}

	cancelled, err := f.pipeline.CancelOrder(ctx, CancelOrderCommand{OrderID: "ord_1", Operator: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.Payment.RefundID != "re_1" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if len(f.payments.refunds) != 2 || f.payments.refunds[1].IdempotencyKey != "refund:ord_1" {
		t.Fatalf("expected the refund replayed under its key, got %+v", f.payments.refunds)
	}
}

func TestConfirmPaymentAfterCancelIsRejected(t *testing.T) {
	order := sampleOrder()
	order.Status = domain.OrderStatusCancelled
	f := newPipelineFixture(t, order)

	_, err := f.pipeline.ConfirmPayment(context.Background(), ConfirmPaymentCommand{SessionID: "cs_1", System: true})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	entry, ok := f.logs.find(pipelineEventPaidAfterCancel)
	if !ok || entry.fields["severity"] != "ERROR" {
		t.Fatalf("expected escalation log, got %+v", entry)
	}
}

func TestResendFulfillment(t *testing.T) {
	f := newPipelineFixture(t, samplePaidOrder())

	result, err := f.pipeline.ResendFulfillment(context.Background(), ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if result.Outcome != OutcomeSubmitted || result.Order.Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected result %+v", result)
	}

	_, err = f.pipeline.ResendFulfillment(context.Background(), ResendFulfillmentCommand{OrderID: "ord_1", Operator: true})
	if !errors.Is(err, ErrFulfillmentAlreadyRecorded) {
		t.Fatalf("expected already recorded, got %v", err)
	}
}

func TestResendFulfillmentRequiresPaid(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())

	_, err := f.pipeline.ResendFulfillment(context.Background(), ResendFulfillmentCommand{OrderID: "ord_1", ActorID: "user_1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = f.pipeline.ResendFulfillment(context.Background(), ResendFulfillmentCommand{OrderID: "ord_1", ActorID: "someone"})
	if !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestCancelPendingOrderExpiresSession(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())
	f.payments.expireErr = errors.New("already expired")

	order, err := f.pipeline.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "ord_1", ActorID: "user_1"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.CancellationReason != "cancelled before payment" {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(f.payments.expired) != 1 || f.payments.expired[0] != "cs_1" {
		t.Fatalf("expected session expiry attempt, got %v", f.payments.expired)
	}
	if len(f.payments.refunds) != 0 {
		t.Fatalf("pending orders are not refunded")
	}
}

func TestCancelPaidOrderRefunds(t *testing.T) {
	f := newPipelineFixture(t, samplePaidOrder())

	order, err := f.pipeline.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "ord_1", ActorID: "user_1", Reason: "wrong size"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.Payment.RefundedAmount != 4917 {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Fulfillment.SubmissionAttemptID != "" {
		t.Fatalf("cancel lease must be cleared")
	}
}

func TestCancelPaidOrderRefundFailure(t *testing.T) {
	f := newPipelineFixture(t, samplePaidOrder())
	f.payments.refundErr = payments.ErrRefundDeclined

	order, err := f.pipeline.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "ord_1", Operator: true})
	var refundErr *RefundFailureError
	if !errors.As(err, &refundErr) {
		t.Fatalf("expected RefundFailureError, got %v", err)
	}
	if order.Status != domain.OrderStatusError {
		t.Fatalf("expected error state, got %s", order.Status)
	}
}

func TestCancelProcessingOrderRejected(t *testing.T) {
	order := samplePaidOrder()
	order.Status = domain.OrderStatusProcessing
	order.Fulfillment.ExternalOrderID = "pf_1"
	f := newPipelineFixture(t, order)

	if _, err := f.pipeline.CancelOrder(context.Background(), CancelOrderCommand{OrderID: "ord_1", ActorID: "user_1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestListUnfulfilledOrders(t *testing.T) {
	parked := samplePaidOrder()
	shipped := samplePaidOrder()
	shipped.ID = "ord_2"
	shipped.Status = domain.OrderStatusShipped
	shipped.Fulfillment.ExternalOrderID = "pf_2"
	f := newPipelineFixture(t, parked, shipped)

	orders, err := f.pipeline.ListUnfulfilledOrders(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "ord_1" {
		t.Fatalf("expected the parked order only, got %+v", orders)
	}
	if _, err := f.pipeline.ListUnfulfilledOrders(context.Background(), -1); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	f := newPipelineFixture(t, sampleOrder())

	if _, err := f.pipeline.GetOrder(context.Background(), "ord_1", "user_1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.pipeline.GetOrder(context.Background(), "ord_1", "user_2"); !errors.Is(err, ErrOrderPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := f.pipeline.GetOrder(context.Background(), "ord_missing", "user_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordShipmentLifecycle(t *testing.T) {
	order := samplePaidOrder()
	order.Status = domain.OrderStatusProcessing
	order.Fulfillment.ExternalOrderID = "pf_1"
	f := newPipelineFixture(t, order)
	shipment := Shipment{Carrier: "UPS", TrackingNumber: "1Z999", TrackingURL: "https://ups.example/1Z999"}

	delivered, err := f.pipeline.RecordShipment(context.Background(), ShipmentUpdate{OrderID: "ord_1", Delivered: true, Shipment: shipment})
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.Fulfillment.TrackingNumber != "1Z999" {
		t.Fatalf("expected delivered with tracking, got %+v", delivered)
	}

	if _, err := f.pipeline.RecordShipment(context.Background(), ShipmentUpdate{OrderID: "ord_1", Delivered: true}); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}
	if _, err := f.pipeline.RecordShipment(context.Background(), ShipmentUpdate{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
