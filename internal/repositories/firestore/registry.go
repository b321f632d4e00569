package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	pfirestore "github.com/printcraft/api/internal/platform/firestore"
	"github.com/printcraft/api/internal/repositories"
)

const firestoreProbeTimeout = 1500 * time.Millisecond

// Registry exposes the Firestore-backed repositories behind one provider.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	designs   *DesignRepository
	sequences *SequenceRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on provider. extraChecks are added to
// the readiness report next to the Firestore probe.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	designs, err := NewDesignRepository(provider)
	if err != nil {
		return nil, err
	}
	sequences, err := NewSequenceRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  firestoreProbeTimeout,
		Check:    firestorePing(provider),
	}}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		designs:   designs,
		sequences: sequences,
		health:    health,
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Designs() repositories.DesignRepository     { return r.designs }
func (r *Registry) Sequences() repositories.SequenceRepository { return r.sequences }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func firestorePing(provider *pfirestore.Provider) func(context.Context) error {
	return func(ctx context.Context) error {
		client, err := provider.Client(ctx)
		if err != nil {
			return err
		}
		_, err = client.Collections(ctx).Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}
