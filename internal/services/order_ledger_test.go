package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/printcraft/api/internal/domain"
)

func newTestLedger(t *testing.T, repo *memoryOrderRepo, now func() time.Time) (OrderLedger, *captureLogger) {
	t.Helper()
	logs := &captureLogger{}
	if now == nil {
		fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		now = func() time.Time { return fixed }
	}
	ledger, err := NewOrderLedger(OrderLedgerDeps{
		Orders:       repo,
		OrderNumbers: &stubOrderNumbers{},
		Clock:        now,
		IDGenerator:  func() string { return "01TEST" },
		Logger:       logs.log,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, logs
}

func TestOrderLedgerCreate(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger, _ := newTestLedger(t, repo, nil)

	template := sampleOrder()
	template.Items[0].ID = ""
	order, err := ledger.Create(context.Background(), CreateOrderCommand{
		UserID:          "user_1",
		Currency:        "usd",
		ShippingAddress: template.ShippingAddress,
		Items:           template.Items,
		Totals:          template.Totals,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.ID != "ord_01TEST" {
		t.Fatalf("expected generated id, got %s", order.ID)
	}
	if order.Number != "PC-2026-000001" {
		t.Fatalf("expected order number, got %s", order.Number)
	}
	if order.Status != domain.OrderStatusPending || order.Currency != "USD" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Items[0].ID != "oit_01TEST" {
		t.Fatalf("expected item id assigned, got %s", order.Items[0].ID)
	}
	stored := repo.get(order.ID)
	if stored.Totals.Total != 4917 {
		t.Fatalf("expected stored total 4917, got %d", stored.Totals.Total)
	}
}

func TestOrderLedgerCreateRejectsInconsistentTotals(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger, logs := newTestLedger(t, repo, nil)

	template := sampleOrder()
	totals := template.Totals
	totals.Total++
	_, err := ledger.Create(context.Background(), CreateOrderCommand{
		UserID:   "user_1",
		Currency: "USD",
		Items:    template.Items,
		Totals:   totals,
	})
	if !errors.Is(err, ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
	if repo.writes != 0 {
		t.Fatalf("expected nothing persisted")
	}
	entry, ok := logs.find(ledgerEventInvariant)
	if !ok || entry.fields["severity"] != "ERROR" {
		t.Fatalf("expected invariant violation logged at error severity, got %+v", entry)
	}
}

func TestOrderLedgerMarkPaidIdempotent(t *testing.T) {
	repo := newMemoryOrderRepo(sampleOrder())
	ledger, _ := newTestLedger(t, repo, nil)
	ctx := context.Background()

	ref := PaymentRef{Provider: "stripe", SessionID: "cs_1", IntentID: "pi_1"}
	order, err := ledger.MarkPaid(ctx, "ord_1", ref)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if order.Status != domain.OrderStatusPaid || order.PaidAt == nil {
		t.Fatalf("expected paid order, got %+v", order)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].From != domain.OrderStatusPending {
		t.Fatalf("expected history entry, got %+v", order.StatusHistory)
	}

	writes := repo.writes
	again, err := ledger.MarkPaid(ctx, "ord_1", ref)
	if err != nil {
		t.Fatalf("replayed mark paid: %v", err)
	}
	if again.Status != domain.OrderStatusPaid || repo.writes != writes {
		t.Fatalf("expected replay to be a no-op")
	}

	if _, err := ledger.MarkPaid(ctx, "ord_1", PaymentRef{IntentID: "pi_other"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a different intent, got %v", err)
	}
}

func TestOrderLedgerMarkProcessingRequiresPaid(t *testing.T) {
	repo := newMemoryOrderRepo(sampleOrder())
	ledger, _ := newTestLedger(t, repo, nil)

	_, err := ledger.MarkProcessing(context.Background(), "ord_1", FulfillmentRef{ExternalOrderID: "pf_1"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOrderLedgerMarkProcessingClearsLease(t *testing.T) {
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, nil)
	ctx := context.Background()

	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	order, err := ledger.MarkProcessing(ctx, "ord_1", FulfillmentRef{ExternalOrderID: "pf_1", AttemptID: "att_1"})
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing || order.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Fulfillment.SubmissionAttemptID != "" || order.Fulfillment.SubmissionClaimedAt != nil {
		t.Fatalf("expected lease cleared")
	}
	if _, err := ledger.MarkProcessing(ctx, "ord_1", FulfillmentRef{ExternalOrderID: "pf_1"}); err != nil {
		t.Fatalf("expected replay no-op, got %v", err)
	}
}

func TestOrderLedgerTerminalStates(t *testing.T) {
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, nil)
	ctx := context.Background()

	order, err := ledger.MarkCancelled(ctx, "ord_1", Resolution{
		Reason: "fulfillment failed: no fulfillable items",
		Refund: &RefundRef{ID: "re_1", Amount: 4917},
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.CancellationReason != "fulfillment failed: no fulfillable items" || order.CancelledAt == nil {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Payment.RefundID != "re_1" || order.Payment.RefundedAmount != 4917 {
		t.Fatalf("expected refund recorded, got %+v", order.Payment)
	}

	if _, err := ledger.MarkCancelled(ctx, "ord_1", Resolution{Reason: "again"}); err != nil {
		t.Fatalf("expected repeated cancel to be a no-op, got %v", err)
	}
	for _, attempt := range []func() error{
		func() error { _, err := ledger.MarkError(ctx, "ord_1", Resolution{Reason: "x"}); return err },
		func() error {
			_, err := ledger.MarkProcessing(ctx, "ord_1", FulfillmentRef{ExternalOrderID: "pf"})
			return err
		},
		func() error { _, err := ledger.MarkPaid(ctx, "ord_1", PaymentRef{IntentID: "pi_2"}); return err },
	} {
		if err := attempt(); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition from cancelled, got %v", err)
		}
	}
}

func TestOrderLedgerMarkErrorFromPaid(t *testing.T) {
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, nil)

	order, err := ledger.MarkError(context.Background(), "ord_1", Resolution{Reason: "fulfillment failed and refund failed: boom"})
	if err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if order.Status != domain.OrderStatusError || order.FailureReason == "" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderLedgerShipmentLifecycle(t *testing.T) {
	order := samplePaidOrder()
	order.Status = domain.OrderStatusProcessing
	order.Fulfillment.ExternalOrderID = "pf_1"
	repo := newMemoryOrderRepo(order)
	ledger, _ := newTestLedger(t, repo, nil)
	ctx := context.Background()

	if _, err := ledger.MarkDelivered(ctx, "ord_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected delivered before shipped to fail, got %v", err)
	}
	shipped, err := ledger.MarkShipped(ctx, "ord_1", Shipment{Carrier: "USPS", TrackingNumber: "9400"})
	if err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped || shipped.Fulfillment.TrackingNumber != "9400" {
		t.Fatalf("unexpected order %+v", shipped)
	}
	corrected, err := ledger.MarkShipped(ctx, "ord_1", Shipment{Carrier: "UPS", TrackingNumber: "1Z"})
	if err != nil {
		t.Fatalf("tracking correction: %v", err)
	}
	if corrected.Fulfillment.Carrier != "UPS" || len(corrected.StatusHistory) != 1 {
		t.Fatalf("expected correction without new transition, got %+v", corrected)
	}
	delivered, err := ledger.MarkDelivered(ctx, "ord_1")
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("unexpected order %+v", delivered)
	}
}

func TestOrderLedgerClaimSubmission(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, func() time.Time { return now })
	ctx := context.Background()

	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_2"); !errors.Is(err, ErrSubmissionInProgress) {
		t.Fatalf("expected ErrSubmissionInProgress, got %v", err)
	}

	now = now.Add(defaultSubmissionLeaseTTL + time.Second)
	order, err := ledger.ClaimSubmission(ctx, "ord_1", "att_2")
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimed, got %v", err)
	}
	if order.Fulfillment.SubmissionAttemptID != "att_2" {
		t.Fatalf("unexpected attempt %s", order.Fulfillment.SubmissionAttemptID)
	}

	if err := ledger.ReleaseSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("release stale attempt: %v", err)
	}
	if repo.get("ord_1").Fulfillment.SubmissionAttemptID != "att_2" {
		t.Fatalf("stale release must not drop the current lease")
	}
	if err := ledger.ReleaseSubmission(ctx, "ord_1", "att_2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if repo.get("ord_1").Fulfillment.SubmissionAttemptID != "" {
		t.Fatalf("expected lease released")
	}
}

func TestOrderLedgerClaimRejectsSubmittedOrder(t *testing.T) {
	order := samplePaidOrder()
	order.Fulfillment.ExternalOrderID = "pf_1"
	repo := newMemoryOrderRepo(order)
	ledger, _ := newTestLedger(t, repo, nil)

	if _, err := ledger.ClaimSubmission(context.Background(), "ord_1", "att_1"); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestOrderLedgerMapsRepositoryErrors(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger, _ := newTestLedger(t, repo, nil)

	if _, err := ledger.Get(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	repo.mutateErr = &repoErr{unavailable: true}
	if _, err := ledger.MarkDelivered(context.Background(), "missing"); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
}

func TestOrderLedgerFencesStaleAttempt(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, func() time.Time { return now })
	ctx := context.Background()

	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(defaultSubmissionLeaseTTL + time.Second)
	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_2"); err != nil {
		t.Fatalf("takeover: %v", err)
	}

	if _, err := ledger.MarkProcessing(ctx, "ord_1", FulfillmentRef{ExternalOrderID: "pf_stale", AttemptID: "att_1"}); !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected ErrSubmissionLeaseLost, got %v", err)
	}
	if _, err := ledger.MarkCancelled(ctx, "ord_1", Resolution{Reason: "x", AttemptID: "att_1"}); !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected ErrSubmissionLeaseLost on cancel, got %v", err)
	}
	if _, err := ledger.MarkError(ctx, "ord_1", Resolution{Reason: "x", AttemptID: "att_1"}); !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected ErrSubmissionLeaseLost on error, got %v", err)
	}
	if err := ledger.RenewSubmission(ctx, "ord_1", "att_1"); !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected stale renewal to fail, got %v", err)
	}
	if _, err := ledger.BeginRefund(ctx, "ord_1", "att_1"); !errors.Is(err, ErrSubmissionLeaseLost) {
		t.Fatalf("expected stale refund marker to fail, got %v", err)
	}
	if got := repo.get("ord_1"); got.Status != domain.OrderStatusPaid || got.Payment.RefundRequestedAt != nil {
		t.Fatalf("stale attempt must not change the order, got %+v", got)
	}

	order, err := ledger.MarkProcessing(ctx, "ord_1", FulfillmentRef{ExternalOrderID: "pf_1", AttemptID: "att_2"})
	if err != nil {
		t.Fatalf("current attempt: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing || order.Fulfillment.ExternalOrderID != "pf_1" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestOrderLedgerRenewSubmission(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, func() time.Time { return now })
	ctx := context.Background()

	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(defaultSubmissionLeaseTTL - time.Second)
	if err := ledger.RenewSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_2"); !errors.Is(err, ErrSubmissionInProgress) {
		t.Fatalf("renewed lease must not be taken over, got %v", err)
	}
	if claimed := repo.get("ord_1").Fulfillment.SubmissionClaimedAt; claimed == nil || !claimed.Equal(now.Add(-2*time.Second)) {
		t.Fatalf("expected claim time moved forward, got %v", claimed)
	}
}

func TestOrderLedgerBeginRefund(t *testing.T) {
	repo := newMemoryOrderRepo(samplePaidOrder())
	ledger, _ := newTestLedger(t, repo, nil)
	ctx := context.Background()

	if _, err := ledger.ClaimSubmission(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	order, err := ledger.BeginRefund(ctx, "ord_1", "att_1")
	if err != nil {
		t.Fatalf("begin refund: %v", err)
	}
	if order.Payment.RefundRequestedAt == nil || order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected marked paid order, got %+v", order)
	}
	writes := repo.writes
	if _, err := ledger.BeginRefund(ctx, "ord_1", "att_1"); err != nil {
		t.Fatalf("repeated begin refund: %v", err)
	}
	if repo.writes != writes {
		t.Fatalf("repeated marker must not write")
	}

	pending := sampleOrder()
	pending.ID = "ord_2"
	repo.orders["ord_2"] = pending
	if _, err := ledger.BeginRefund(ctx, "ord_2", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pending order refused, got %v", err)
	}
}

func TestOrderLedgerListUnfulfilled(t *testing.T) {
	stuck := samplePaidOrder()
	pending := sampleOrder()
	pending.ID = "ord_2"
	processing := samplePaidOrder()
	processing.ID = "ord_3"
	processing.Status = domain.OrderStatusProcessing
	processing.Fulfillment.ExternalOrderID = "pf_3"
	repo := newMemoryOrderRepo(stuck, pending, processing)
	ledger, _ := newTestLedger(t, repo, nil)

	orders, err := ledger.ListUnfulfilled(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "ord_1" {
		t.Fatalf("expected only the paid order, got %+v", orders)
	}

	failing := newMemoryOrderRepo()
	failingLedger, _ := newTestLedger(t, failing, nil)
	failing.listErr = &repoErr{unavailable: true}
	if _, err := failingLedger.ListUnfulfilled(context.Background(), 10); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
}
