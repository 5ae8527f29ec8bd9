// Package txn runs ledger mutations as all-or-nothing units.
package txn

import (
	"context"
	"time"

	"lime_farm/internal/domain"
	"lime_farm/internal/logger"
	"lime_farm/internal/repository"
)

// Unit is one transactional piece of work. Every write it makes through s
// commits together or not at all.
type Unit func(ctx context.Context, s repository.LedgerStore) error

type Coordinator struct {
	store       repository.TxStore
	maxAttempts int
	baseDelay   time.Duration
}

func New(store repository.TxStore, maxAttempts int) *Coordinator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Coordinator{store: store, maxAttempts: maxAttempts, baseDelay: 25 * time.Millisecond}
}

// Store exposes the underlying store for reads outside a unit.
func (c *Coordinator) Store() repository.TxStore {
	return c.store
}

// Run executes fn in a transaction. A serialization failure or deadlock
// reported by the store retries the whole unit; any other error is returned
// after rollback.
func (c *Coordinator) Run(ctx context.Context, fn Unit) error {
	start := time.Now()
	defer func() { TxDuration.Observe(time.Since(start).Seconds()) }()

	delay := c.baseDelay
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, fn)
		if err == nil {
			TxTotal.WithLabelValues("commit").Inc()
			return nil
		}
		TxTotal.WithLabelValues("rollback").Inc()

		if !repository.IsSerializationFailure(err) {
			return err
		}
		if attempt >= c.maxAttempts {
			logger.WithContext(ctx).Warn("transaction retries exhausted", "attempts", attempt, "error", err)
			return domain.Unavailable(err)
		}
		TxTotal.WithLabelValues("retry").Inc()
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay < 800*time.Millisecond {
			delay *= 2
		}
	}
}

func (c *Coordinator) once(ctx context.Context, fn Unit) error {
	defer func() {
		if r := recover(); r != nil {
			TxTotal.WithLabelValues("rollback").Inc()
			panic(r)
		}
	}()
	return c.store.WithTx(ctx, func(ctx context.Context, s repository.LedgerStore) error {
		return fn(ctx, s)
	})
}

// Query runs fn as a unit and returns its value. The zero T is returned on error.
func Query[T any](ctx context.Context, c *Coordinator, fn func(ctx context.Context, s repository.LedgerStore) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, func(ctx context.Context, s repository.LedgerStore) error {
		v, err := fn(ctx, s)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Bulk runs several units inside one transaction; the first error rolls back all of them.
func (c *Coordinator) Bulk(ctx context.Context, units ...Unit) error {
	return c.Run(ctx, func(ctx context.Context, s repository.LedgerStore) error {
		for _, u := range units {
			if err := u(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// AtomicFieldUpdate is a single conditional write. It fails with
// domain.ErrConflictOrNotFound when the user is absent or filter does not hold.
func (c *Coordinator) AtomicFieldUpdate(ctx context.Context, userID string, filter repository.FieldFilter, patch repository.FieldPatch) (*domain.UserLedger, error) {
	return Query(ctx, c, func(ctx context.Context, s repository.LedgerStore) (*domain.UserLedger, error) {
		return s.UpdateFields(ctx, userID, filter, patch)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
