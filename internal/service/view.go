package service

import (
	"time"

	"lime_farm/internal/domain"
	"lime_farm/internal/farming"
	"lime_farm/internal/rewards"

	"github.com/shopspring/decimal"
)

type FarmingView struct {
	Status           farming.Status  `json:"status"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	EndsAt           *time.Time      `json:"ends_at,omitempty"`
	Progress         float64         `json:"progress"`
	Earned           decimal.Decimal `json:"earned"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	CurrentXP        decimal.Decimal `json:"current_xp"`
}

// LedgerView is what clients see of a ledger at one instant.
type LedgerView struct {
	UserID          string              `json:"user_id"`
	Balance         decimal.Decimal     `json:"balance"`
	XP              decimal.Decimal     `json:"xp"`
	Level           int                 `json:"level"`
	Attempts        int                 `json:"attempts"`
	Farming         FarmingView         `json:"farming"`
	DailyReward     domain.DailyReward  `json:"daily_reward"`
	Achievements    domain.Achievements `json:"achievements"`
	ReferralCode    string              `json:"referral_code,omitempty"`
	Referred        bool                `json:"referred"`
	ReferredCount   int                 `json:"referred_count"`
	SessionsStarted int                 `json:"sessions_started"`
	FarmingCount    int                 `json:"farming_count"`
	CreatedAt       time.Time           `json:"created_at"`
	LastUpdate      time.Time           `json:"last_update"`
	// Settled is set when this read completed a session.
	Settled *SettledView `json:"settled,omitempty"`
}

type SettledView struct {
	Earned   decimal.Decimal `json:"earned"`
	XPEarned decimal.Decimal `json:"xp_earned"`
}

func newLedgerView(l *domain.UserLedger, st farming.Settlement) *LedgerView {
	v := &LedgerView{
		UserID:          l.UserID,
		Balance:         l.Balance,
		XP:              l.XP,
		Level:           l.Level,
		Attempts:        l.Attempts,
		DailyReward:     l.DailyReward,
		Achievements:    l.Achievements,
		Referred:        l.Referred(),
		ReferredCount:   len(l.Referral.ReferredUsers),
		SessionsStarted: l.SessionsStarted,
		FarmingCount:    l.FarmingCount,
		CreatedAt:       l.CreatedAt,
		LastUpdate:      l.LastUpdate,
		Farming: FarmingView{
			Status:         farming.StatusIdle,
			Earned:         decimal.Zero,
			CurrentBalance: l.Balance,
			CurrentXP:      l.XP,
		},
	}
	if !l.Referral.CodeUnavailable {
		v.ReferralCode = l.Referral.Code
	}
	if st.Completed() {
		v.Settled = &SettledView{Earned: st.Earned, XPEarned: st.XPEarned}
	}
	if p := st.Progress; p != nil {
		startedAt, endsAt := p.StartedAt, p.EndsAt
		v.Farming = FarmingView{
			Status:           farming.StatusInProgress,
			StartedAt:        &startedAt,
			EndsAt:           &endsAt,
			Progress:         p.Fraction,
			Earned:           p.Earned,
			RemainingSeconds: remainingSeconds(p.Remaining),
			CurrentBalance:   p.CurrentBalance,
			CurrentXP:        p.CurrentXP,
		}
	}
	return v
}

// remainingSeconds rounds up so a running session never reports zero.
func remainingSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

type ReferredUserView struct {
	UserID   string          `json:"user_id"`
	JoinedAt time.Time       `json:"joined_at"`
	Earnings decimal.Decimal `json:"earnings"`
}

type ReferralsView struct {
	Code              string             `json:"code,omitempty"`
	CodeAvailable     bool               `json:"code_available"`
	Referred          bool               `json:"referred"`
	ReferredUsers     []ReferredUserView `json:"referred_users"`
	Count             int                `json:"count"`
	TotalEarnings     decimal.Decimal    `json:"total_earnings"`
	EarningsAvailable bool               `json:"earnings_available"`
	ReferredAvailable bool               `json:"referred_available"`
}

func newReferralsView(l *domain.UserLedger) *ReferralsView {
	v := &ReferralsView{
		CodeAvailable:     !l.Referral.CodeUnavailable,
		Referred:          l.Referred(),
		ReferredUsers:     make([]ReferredUserView, 0, len(l.Referral.ReferredUsers)),
		Count:             len(l.Referral.ReferredUsers),
		TotalEarnings:     l.Referral.TotalEarnings,
		EarningsAvailable: !l.Referral.EarningsUnavailable,
		ReferredAvailable: !l.Referral.ReferredUnavailable,
	}
	if v.CodeAvailable {
		v.Code = l.Referral.Code
	}
	for _, ru := range l.Referral.ReferredUsers {
		v.ReferredUsers = append(v.ReferredUsers, ReferredUserView{
			UserID:   rewards.MaskUserID(ru.UserID),
			JoinedAt: ru.JoinedAt,
			Earnings: ru.Earnings,
		})
	}
	return v
}

type ReferralResult struct {
	ReferrerID string    `json:"referrer_id"`
	JoinedAt   time.Time `json:"joined_at"`
}
