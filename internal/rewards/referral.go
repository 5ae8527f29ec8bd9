package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lime_farm/internal/domain"

	"github.com/shopspring/decimal"
)

// MaxReferralDepth bounds the walk up the referrer chain when checking for cycles.
const MaxReferralDepth = 64

// Attach links user to referrer. Both ledgers are mutated; the caller persists
// them in one unit.
func Attach(user, referrer *domain.UserLedger, now time.Time) error {
	if user.UserID == referrer.UserID {
		return domain.ErrSelfReferral
	}
	if user.Referred() {
		return domain.ErrAlreadyReferred
	}
	if referrer.Referral.ReferrerID != nil && *referrer.Referral.ReferrerID == user.UserID {
		return domain.ErrReferralCycle
	}
	if referrer.Referral.ReferredUnavailable {
		return domain.Unavailable(fmt.Errorf("referred users of %s: %w", referrer.UserID, domain.ErrIntegrityCheckFailed))
	}
	for _, ru := range referrer.Referral.ReferredUsers {
		if ru.UserID == user.UserID {
			return domain.ErrAlreadyReferred
		}
	}

	referrerID := referrer.UserID
	user.Referral.ReferrerID = &referrerID
	user.LastUpdate = now

	referrer.Referral.ReferredUsers = append(referrer.Referral.ReferredUsers, domain.ReferredUser{
		UserID:   user.UserID,
		JoinedAt: now,
		Earnings: decimal.Zero,
	})
	referrer.LastUpdate = now
	return nil
}

// ReferrerOf resolves the referrer id of a user, nil when the user has none.
type ReferrerOf func(ctx context.Context, userID string) (*string, error)

// CheckChain walks up from start and fails with ErrReferralCycle if userID
// appears in the chain.
func CheckChain(ctx context.Context, userID string, start *string, lookup ReferrerOf) error {
	next := start
	for depth := 0; next != nil; depth++ {
		if *next == userID || depth >= MaxReferralDepth {
			return domain.ErrReferralCycle
		}
		parent, err := lookup(ctx, *next)
		if err != nil {
			return err
		}
		next = parent
	}
	return nil
}

// Credit books rate*delta of a referred user's gain on the referrer's entry
// for that user and on the aggregate. It returns the credited amount; zero
// means nothing was booked. With an unreadable entry list only the aggregate
// is credited.
func Credit(referrer *domain.UserLedger, referredID string, delta, rate decimal.Decimal, now time.Time) decimal.Decimal {
	amount := delta.Mul(rate)
	if !amount.IsPositive() {
		return decimal.Zero
	}
	if referrer.Referral.ReferredUnavailable {
		if referrer.Referral.EarningsUnavailable {
			return decimal.Zero
		}
		referrer.Referral.TotalEarnings = referrer.Referral.TotalEarnings.Add(amount)
		referrer.LastUpdate = now
		return amount
	}

	idx := -1
	for i, ru := range referrer.Referral.ReferredUsers {
		if ru.UserID == referredID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return decimal.Zero
	}

	entries := referrer.Referral.ReferredUsers
	entries[idx].Earnings = entries[idx].Earnings.Add(amount)

	if referrer.Referral.EarningsUnavailable {
		// The sealed aggregate could not be read; rebuild it from the entries.
		total := decimal.Zero
		for _, ru := range entries {
			total = total.Add(ru.Earnings)
		}
		referrer.Referral.TotalEarnings = total
		referrer.Referral.EarningsUnavailable = false
	} else {
		referrer.Referral.TotalEarnings = referrer.Referral.TotalEarnings.Add(amount)
	}
	referrer.LastUpdate = now
	return amount
}

// MaskUserID keeps the first and last two characters of id.
func MaskUserID(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return id[:2] + strings.Repeat("*", len(id)-4) + id[len(id)-2:]
}
