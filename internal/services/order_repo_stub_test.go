package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/repositories"
)

type repoErr struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoErr) Error() string       { return "repository error" }
func (e *repoErr) IsNotFound() bool    { return e.notFound }
func (e *repoErr) IsConflict() bool    { return e.conflict }
func (e *repoErr) IsUnavailable() bool { return e.unavailable }

// memoryOrderRepo mimics the transactional Firestore repository: mutations run
// on a copy and are only stored when fn returns nil.
type memoryOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	writes    int
	insertErr error
	mutateErr error
	listErr   error
	// commitErr, when set, can refuse to store a successfully mutated order.
	commitErr func(candidate domain.Order) error
}

func newMemoryOrderRepo(orders ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: make(map[string]domain.Order)}
	for _, order := range orders {
		repo.orders[order.ID] = cloneOrder(order)
	}
	return repo
}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.orders[order.ID]; exists {
		return &repoErr{conflict: true}
	}
	r.orders[order.ID] = cloneOrder(order)
	r.writes++
	return nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &repoErr{notFound: true}
	}
	return cloneOrder(order), nil
}

func (r *memoryOrderRepo) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutateErr != nil {
		return domain.Order{}, r.mutateErr
	}
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &repoErr{notFound: true}
	}
	candidate := cloneOrder(current)
	if err := fn(&candidate); err != nil {
		if errors.Is(err, repositories.ErrNoChange) {
			return cloneOrder(current), nil
		}
		return domain.Order{}, err
	}
	if r.commitErr != nil {
		if err := r.commitErr(candidate); err != nil {
			return domain.Order{}, err
		}
	}
	r.orders[orderID] = cloneOrder(candidate)
	r.writes++
	return candidate, nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	return out, nil
}

func (r *memoryOrderRepo) get(orderID string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[orderID])
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = make([]domain.OrderItem, len(order.Items))
	for i, item := range order.Items {
		if item.Design != nil {
			snapshot := *item.Design
			item.Design = &snapshot
		}
		out.Items[i] = item
	}
	out.StatusHistory = append([]domain.OrderStatusChange(nil), order.StatusHistory...)
	if order.Fulfillment.SubmissionClaimedAt != nil {
		claimed := *order.Fulfillment.SubmissionClaimedAt
		out.Fulfillment.SubmissionClaimedAt = &claimed
	}
	if order.Payment.RefundRequestedAt != nil {
		requested := *order.Payment.RefundRequestedAt
		out.Payment.RefundRequestedAt = &requested
	}
	return out
}

// fastLedgerRetries shrinks the ledger write backoff for the duration of a test.
func fastLedgerRetries(t *testing.T) {
	t.Helper()
	previous := ledgerWriteBackoff
	ledgerWriteBackoff = func() gax.Backoff {
		return gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	}
	t.Cleanup(func() { ledgerWriteBackoff = previous })
}

// failWrites refuses to store candidates matching match, limit times. A negative
// limit fails every matching write.
func failWrites(match func(domain.Order) bool, limit int) func(domain.Order) error {
	failed := 0
	return func(candidate domain.Order) error {
		if !match(candidate) || (limit >= 0 && failed >= limit) {
			return nil
		}
		failed++
		return &repoErr{unavailable: true}
	}
}

func hasStatus(status domain.OrderStatus) func(domain.Order) bool {
	return func(order domain.Order) bool { return order.Status == status }
}

type stubOrderNumbers struct {
	next int
	err  error
}

func (s *stubOrderNumbers) NextOrderNumber(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return "PC-2026-" + padSequence(s.next), nil
}

func padSequence(n int) string {
	digits := []byte("000000")
	for i := len(digits) - 1; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits)
}

type logEntry struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{event: event, fields: fields})
}

func (c *captureLogger) find(event string) (logEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.event == event {
			return entry, true
		}
	}
	return logEntry{}, false
}

func (c *captureLogger) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entry := range c.entries {
		if entry.event == event {
			n++
		}
	}
	return n
}

func samplePaidOrder() domain.Order {
	order := sampleOrder()
	order.Status = domain.OrderStatusPaid
	order.Payment.IntentID = "pi_1"
	return order
}

func sampleOrder() domain.Order {
	items := []domain.OrderItem{{
		ID:          "oit_1",
		VariantID:   "71",
		Size:        "M",
		Color:       "Black",
		Quantity:    2,
		UnitPrice:   1999,
		TotalPrice:  3998,
		DisplayName: "Tee",
		Design: &domain.DesignSnapshot{
			DesignID:      "des_1",
			Name:          "Logo",
			FrontImageURL: "https://cdn.example.com/snap/front.png",
		},
	}}
	return domain.Order{
		ID:       "ord_1",
		Number:   "PC-2026-000001",
		UserID:   "user_1",
		Status:   domain.OrderStatusPending,
		Currency: "USD",
		Totals:   domain.OrderTotals{Subtotal: 3998, Shipping: 599, Tax: 320, Total: 4917},
		ShippingAddress: domain.ShippingAddress{
			Name: "Ada", Email: "ada@example.com", Phone: "555-0100", Line1: "1 Main St",
			City: "Portland", State: "OR", PostalCode: "97201", Country: "US",
		},
		Items:   items,
		Payment: domain.OrderPayment{Provider: "stripe", SessionID: "cs_1"},
	}
}
