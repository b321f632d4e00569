package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/printcraft/api/internal/repositories"
)

const (
	orderNumberPrefix = "PC"
	orderNumberLimit  = 999999
)

// ErrOrderNumbersExhausted means the yearly order number sequence is used up.
var ErrOrderNumbersExhausted = errors.New("order numbers: yearly sequence exhausted")

// OrderNumberServiceDeps bundles the collaborators of the order number service.
type OrderNumberServiceDeps struct {
	Sequences repositories.SequenceRepository
	Clock     func() time.Time
}

type orderNumberService struct {
	sequences repositories.SequenceRepository
	clock     func() time.Time
}

// NewOrderNumberService issues numbers of the form PC-<year>-<seq6>, with the
// sequence restarting each UTC year.
func NewOrderNumberService(deps OrderNumberServiceDeps) (OrderNumberGenerator, error) {
	if deps.Sequences == nil {
		return nil, errors.New("order number service: sequence repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &orderNumberService{sequences: deps.Sequences, clock: clock}, nil
}

func (s *orderNumberService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().UTC().Year()
	seq, err := s.sequences.Next(ctx, fmt.Sprintf("orders-%04d", year), orderNumberLimit)
	if err != nil {
		if errors.Is(err, repositories.ErrSequenceExhausted) {
			return "", fmt.Errorf("%w: %d", ErrOrderNumbersExhausted, year)
		}
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%06d", orderNumberPrefix, year, seq), nil
}
