package repositories

import (
	"context"
	"errors"

	domain "github.com/printcraft/api/internal/domain"
)

// ErrNoChange may be returned by an OrderMutation to abort a transaction without
// writing and without surfacing an error to the caller.
var ErrNoChange = errors.New("repositories: no change")

// ErrSequenceExhausted is returned when a sequence has reached its limit.
var ErrSequenceExhausted = errors.New("repositories: sequence exhausted")

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Designs() DesignRepository
	Sequences() SequenceRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation edits an order inside a read-modify-write transaction. Returning
// ErrNoChange leaves the stored document untouched.
type OrderMutation func(order *domain.Order) error

// OrderRepository persists orders together with their embedded line items.
type OrderRepository interface {
	// Insert creates the order and its items in one write. It fails with a
	// conflict error when the ID already exists.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Mutate reads the order, applies fn and writes the result atomically.
	// The returned order reflects the stored state after the call.
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
}

// DesignRepository reads the customer's live design documents.
type DesignRepository interface {
	FindByID(ctx context.Context, designID string) (domain.Design, error)
}

// SequenceRepository issues monotonically increasing numbers per name.
type SequenceRepository interface {
	Next(ctx context.Context, name string, limit int64) (int64, error)
}

// HealthRepository exposes dependency health checks for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.ReadinessReport, error)
}

// OrderListFilter narrows order listings for operator views.
type OrderListFilter struct {
	Status []domain.OrderStatus
	Limit  int
}
