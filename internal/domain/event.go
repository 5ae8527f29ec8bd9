package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger event types, one per way a balance can change.
const (
	EventFarmingReward   = "farming_reward"
	EventDailyReward     = "daily_reward"
	EventReferralEarning = "referral_earning"
	EventReferralJoined  = "referral_joined"
	EventManualUpdate    = "manual_update"
)

// LedgerEvent is an append-only journal entry written in the same unit as the change it records.
type LedgerEvent struct {
	ID        string                 `db:"id" json:"id"`
	UserID    string                 `db:"user_id" json:"user_id"`
	Type      string                 `db:"type" json:"type"`
	Amount    decimal.Decimal        `db:"amount" json:"amount"`
	Meta      map[string]interface{} `db:"meta" json:"meta,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`

	// AmountUnavailable is set when a sealed amount failed its integrity check on load.
	AmountUnavailable bool `db:"-" json:"amount_unavailable,omitempty"`
}

// SealedAmount reports whether events of this type store their amount sealed.
func SealedAmount(eventType string) bool {
	return eventType == EventReferralEarning
}
