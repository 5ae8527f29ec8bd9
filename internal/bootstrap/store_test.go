package bootstrap

import (
	"context"
	"strings"
	"testing"

	"lime_farm/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MemoryWithoutDatabaseURL(t *testing.T) {
	cfg := &config.Config{
		AppEnv:        "development",
		EncryptionKey: strings.Repeat("k", 32),
		Rules:         config.DefaultRules(),
		TxMaxAttempts: 3,
		SweepBatch:    10,
	}
	stack, err := Open(context.Background(), cfg, Options{Migrate: true})
	require.NoError(t, err)
	defer stack.Close()

	assert.Equal(t, BackendMemory, stack.Backend)
	require.NoError(t, stack.Ledger.Ping(context.Background()))

	view, err := stack.Ledger.GetUser(context.Background(), "boot")
	require.NoError(t, err)
	assert.Equal(t, "boot", view.UserID)
}

func TestOpen_RejectsShortKey(t *testing.T) {
	cfg := &config.Config{EncryptionKey: "short", Rules: config.DefaultRules()}
	_, err := Open(context.Background(), cfg, Options{})
	assert.Error(t, err)
}
