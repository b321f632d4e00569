package services

import (
	"context"
	"errors"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/printcraft/api/internal/domain"
)

const ledgerWriteAttempts = 4

// ledgerWriteBackoff paces retries of ledger writes that record an external
// side effect. Tests replace it.
var ledgerWriteBackoff = func() gax.Backoff {
	return gax.Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
}

// recordWithRetry repeats write while the datastore reports a transient
// failure. Callers use it once money or a partner order already exists.
func recordWithRetry(ctx context.Context, write func(context.Context) (domain.Order, error)) (domain.Order, error) {
	backoff := ledgerWriteBackoff()
	var lastErr error
	for attempt := 0; attempt < ledgerWriteAttempts; attempt++ {
		if attempt > 0 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return domain.Order{}, errors.Join(lastErr, err)
			}
		}
		order, err := write(ctx)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrRepositoryUnavailable) && !errors.Is(err, ErrOrderConflict) {
			return domain.Order{}, err
		}
		lastErr = err
	}
	return domain.Order{}, lastErr
}
