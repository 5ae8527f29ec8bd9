package handlers

import (
	"time"

	"lime_farm/internal/service"
)

// HandlerConfig holds configuration for handler
type HandlerConfig struct {
	BotToken   string
	Tokens     *service.TokenIssuer
	AuthMaxAge time.Duration
	Production bool
	Now        func() time.Time
}

type Handler struct {
	Ledger     *service.LedgerService
	BotToken   string
	Tokens     *service.TokenIssuer
	authMaxAge time.Duration
	production bool
	now        func() time.Time
}

func NewHandler(ledger *service.LedgerService, cfg HandlerConfig) *Handler {
	configureBinding()
	h := &Handler{
		Ledger:     ledger,
		BotToken:   cfg.BotToken,
		Tokens:     cfg.Tokens,
		authMaxAge: cfg.AuthMaxAge,
		production: cfg.Production,
		now:        cfg.Now,
	}
	if h.authMaxAge <= 0 {
		h.authMaxAge = 24 * time.Hour
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Production reports whether error details are hidden from clients.
func (h *Handler) Production() bool {
	return h.production
}

// AuthEnabled reports whether POST /auth can issue tokens.
func (h *Handler) AuthEnabled() bool {
	return h.BotToken != "" && h.Tokens != nil
}
