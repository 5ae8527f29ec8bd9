// Package bootstrap wires configuration into a ready ledger service. It is
// shared by the server and the admin CLI.
package bootstrap

import (
	"context"
	"fmt"

	"lime_farm/internal/config"
	"lime_farm/internal/cryptobox"
	"lime_farm/internal/db"
	"lime_farm/internal/logger"
	"lime_farm/internal/migrations"
	"lime_farm/internal/repository"
	"lime_farm/internal/service"
	"lime_farm/internal/txn"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Stack is everything a process needs to serve ledger operations.
type Stack struct {
	Store   repository.TxStore
	Backend string
	Ledger  *service.LedgerService
	close   func()
}

func (s *Stack) Close() {
	if s.close != nil {
		s.close()
	}
}

type Options struct {
	// Migrate applies embedded migrations after connecting.
	Migrate bool
}

// Open builds the store named by cfg: Postgres when DATABASE_URL is set,
// otherwise the in-memory store.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Stack, error) {
	box, err := cryptobox.New([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	codec := repository.NewCodec(box)

	stack := &Stack{}
	if cfg.DatabaseURL == "" {
		if cfg.Production() {
			logger.Warn("DATABASE_URL not set; ledgers are kept in memory and lost on restart")
		}
		stack.Store = repository.NewMemory(codec)
		stack.Backend = BackendMemory
	} else {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.Options{
			Attempts: cfg.DBConnectAttempts,
			Backoff:  cfg.DBConnectBackoff,
		})
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := migrations.Apply(ctx, pool, func(name string) {
				logger.Info("migration applied", "name", name)
			}); err != nil {
				pool.Close()
				return nil, err
			}
		}
		stack.Store = repository.NewPostgres(pool, codec)
		stack.Backend = BackendPostgres
		stack.close = pool.Close
	}

	stack.Ledger = service.NewLedgerService(
		txn.New(stack.Store, cfg.TxMaxAttempts),
		cfg.Rules,
		service.WithSweepBatch(cfg.SweepBatch),
	)
	return stack, nil
}
