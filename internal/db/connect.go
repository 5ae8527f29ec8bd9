package db

import (
	"context"
	"fmt"
	"time"

	"lime_farm/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Options struct {
	Attempts int
	Backoff  time.Duration
}

// Connect opens a tuned pool and pings it, retrying while the database comes up.
func Connect(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info("database connected", "attempt", attempt)
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		logger.Warn("database not ready", "attempt", attempt, "error", err)

		if attempt == opts.Attempts {
			break
		}
		t := time.NewTimer(opts.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("connect db: %w", lastErr)
}
