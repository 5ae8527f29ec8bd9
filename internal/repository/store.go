// Package repository persists user ledgers and their event journal.
package repository

import (
	"context"
	"time"

	"lime_farm/internal/domain"

	"github.com/shopspring/decimal"
)

// LedgerStore is the storage contract used inside and outside transactions.
type LedgerStore interface {
	Get(ctx context.Context, userID string) (*domain.UserLedger, error)
	// GetForUpdate reads the ledger and holds a write lock on it until the
	// enclosing transaction ends.
	GetForUpdate(ctx context.Context, userID string) (*domain.UserLedger, error)
	Insert(ctx context.Context, l *domain.UserLedger) error
	Save(ctx context.Context, l *domain.UserLedger) error
	FindByReferralCode(ctx context.Context, code string) (*domain.UserLedger, error)
	ReferrerOf(ctx context.Context, userID string) (*string, error)
	// UpdateFields applies patch if filter holds. ErrConflictOrNotFound when
	// the user is missing or the filter does not match.
	UpdateFields(ctx context.Context, userID string, filter FieldFilter, patch FieldPatch) (*domain.UserLedger, error)
	ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, e *domain.LedgerEvent) error
	ListEvents(ctx context.Context, userID string, limit int) ([]domain.LedgerEvent, error)
}

// TxStore runs fn as one all-or-nothing unit. Every write made through the
// store passed to fn is rolled back if fn returns an error or panics.
type TxStore interface {
	LedgerStore
	WithTx(ctx context.Context, fn func(ctx context.Context, s LedgerStore) error) error
	Ping(ctx context.Context) error
}

// FieldFilter is the precondition of a conditional update.
type FieldFilter struct {
	RequireIdle    bool
	UnchangedSince *time.Time
}

func (f FieldFilter) Match(l *domain.UserLedger) bool {
	if f.RequireIdle && l.Farming() {
		return false
	}
	if f.UnchangedSince != nil && !l.LastUpdate.Equal(*f.UnchangedSince) {
		return false
	}
	return true
}

// FieldPatch lists the externally writable fields. Nil fields are left alone;
// achievement flags can only be switched on.
type FieldPatch struct {
	Balance      *decimal.Decimal
	XP           *decimal.Decimal
	Level        *int
	Attempts     *int
	Achievements *domain.Achievements
	At           time.Time
}

func (p FieldPatch) Empty() bool {
	return p.Balance == nil && p.XP == nil && p.Level == nil && p.Attempts == nil && p.Achievements == nil
}

// Apply writes the patch onto l and validates the result. l is left
// untouched when validation fails.
func (p FieldPatch) Apply(l *domain.UserLedger) error {
	next := l.Clone()
	if p.Balance != nil {
		next.Balance = *p.Balance
	}
	if p.XP != nil {
		next.XP = *p.XP
	}
	if p.Level != nil {
		next.Level = *p.Level
	}
	if p.Attempts != nil {
		if *p.Attempts < 0 || *p.Attempts > domain.MaxAttempts {
			return domain.InvalidAttempts(*p.Attempts)
		}
		next.Attempts = *p.Attempts
	}
	if a := p.Achievements; a != nil {
		next.Achievements.FirstFarm = next.Achievements.FirstFarm || a.FirstFarm
		next.Achievements.SpeedDemon = next.Achievements.SpeedDemon || a.SpeedDemon
		next.Achievements.Millionaire = next.Achievements.Millionaire || a.Millionaire
	}
	if !p.At.IsZero() {
		next.LastUpdate = p.At
	}
	next.RefreshAchievements()
	if err := next.Validate(); err != nil {
		return err
	}
	*l = *next
	return nil
}
