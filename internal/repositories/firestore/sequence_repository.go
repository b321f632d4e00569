package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/printcraft/api/internal/platform/firestore"
	"github.com/printcraft/api/internal/repositories"
)

const sequencesCollection = "sequences"

type sequenceDocument struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// SequenceRepository hands out gap-free numbers from one document per
// sequence, incremented inside a transaction.
type SequenceRepository struct {
	provider  *pfirestore.Provider
	sequences *pfirestore.Collection[sequenceDocument]
	now       func() time.Time
}

var _ repositories.SequenceRepository = (*SequenceRepository)(nil)

// NewSequenceRepository builds the repository on provider.
func NewSequenceRepository(provider *pfirestore.Provider) (*SequenceRepository, error) {
	if provider == nil {
		return nil, errors.New("sequence repository requires firestore provider")
	}
	return &SequenceRepository{
		provider:  provider,
		sequences: pfirestore.NewCollection[sequenceDocument](provider, sequencesCollection),
		now:       time.Now,
	}, nil
}

// Next increments the named sequence and returns the new value. A missing
// sequence starts at 1. A limit above zero caps the sequence; reaching it
// returns repositories.ErrSequenceExhausted without writing.
func (r *SequenceRepository) Next(ctx context.Context, name string, limit int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("sequences: name is required")
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.sequences.DocumentRef(ctx, name)
		if err != nil {
			return err
		}
		var doc sequenceDocument
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("decode sequence %s: %w", name, err)
			}
		case codes.NotFound:
		default:
			return err
		}

		if limit > 0 && doc.Value >= limit {
			return fmt.Errorf("%w: %s reached %d", repositories.ErrSequenceExhausted, name, limit)
		}
		next = doc.Value + 1
		return tx.Set(ref, sequenceDocument{Value: next, UpdatedAt: r.now().UTC()})
	})
	if errors.Is(err, repositories.ErrSequenceExhausted) {
		return 0, err
	}
	if err != nil {
		return 0, pfirestore.WrapError("sequences.next", err)
	}
	return next, nil
}
