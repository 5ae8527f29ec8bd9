package domain

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxAttempts        = 100
	MaxUserIDLength    = 64
	ReferralCodeLength = 8

	MillionaireBalance = 1_000_000
	SpeedDemonLevel    = 5
)

var userIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Session is an open farming interval. A nil *Session means the user is idle.
type Session struct {
	StartedAt time.Time `json:"started_at"`
}

type DailyReward struct {
	LastClaimedAt *time.Time `json:"last_claimed_at,omitempty"`
	CurrentStreak int        `json:"current_streak"`
	MaxStreak     int        `json:"max_streak"`
}

type ReferredUser struct {
	UserID   string          `json:"user_id"`
	JoinedAt time.Time       `json:"joined_at"`
	Earnings decimal.Decimal `json:"earnings"`
}

type Referral struct {
	Code          string          `json:"code"`
	ReferrerID    *string         `json:"referrer_id,omitempty"`
	ReferredUsers []ReferredUser  `json:"referred_users"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`

	// Set when the sealed value failed its integrity check on load.
	CodeUnavailable     bool `json:"-"`
	EarningsUnavailable bool `json:"-"`
	ReferredUnavailable bool `json:"-"`
}

type Achievements struct {
	FirstFarm   bool `json:"first_farm"`
	SpeedDemon  bool `json:"speed_demon"`
	Millionaire bool `json:"millionaire"`
}

// UserLedger is the per-user resource ledger in its decrypted, in-memory form.
type UserLedger struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	XP           decimal.Decimal `json:"xp"`
	Level        int             `json:"level"`
	Session      *Session        `json:"session,omitempty"`
	Attempts     int             `json:"attempts"`
	DailyReward  DailyReward     `json:"daily_reward"`
	Referral     Referral        `json:"referral"`
	Achievements Achievements    `json:"achievements"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdate   time.Time       `json:"last_update"`

	// SessionsStarted counts StartSession calls; FarmingCount counts settled sessions.
	SessionsStarted int `json:"sessions_started"`
	FarmingCount    int `json:"farming_count"`
}

// NewUserLedger returns a zeroed ledger for a first-seen user.
func NewUserLedger(userID, referralCode string, now time.Time) *UserLedger {
	return &UserLedger{
		UserID:   userID,
		Balance:  decimal.Zero,
		XP:       decimal.Zero,
		Level:    1,
		Referral: Referral{
			Code:          referralCode,
			ReferredUsers: []ReferredUser{},
			TotalEarnings: decimal.Zero,
		},
		CreatedAt:  now,
		LastUpdate: now,
	}
}

func (l *UserLedger) Farming() bool {
	return l.Session != nil
}

func (l *UserLedger) Referred() bool {
	return l.Referral.ReferrerID != nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (l *UserLedger) Clone() *UserLedger {
	if l == nil {
		return nil
	}
	c := *l
	if l.Session != nil {
		s := *l.Session
		c.Session = &s
	}
	if l.DailyReward.LastClaimedAt != nil {
		t := *l.DailyReward.LastClaimedAt
		c.DailyReward.LastClaimedAt = &t
	}
	if l.Referral.ReferrerID != nil {
		r := *l.Referral.ReferrerID
		c.Referral.ReferrerID = &r
	}
	if l.Referral.ReferredUsers != nil {
		c.Referral.ReferredUsers = make([]ReferredUser, len(l.Referral.ReferredUsers))
		copy(c.Referral.ReferredUsers, l.Referral.ReferredUsers)
	}
	return &c
}

// RefreshAchievements re-evaluates the derived flags. Flags only turn on.
func (l *UserLedger) RefreshAchievements() {
	if l.FarmingCount >= 1 {
		l.Achievements.FirstFarm = true
	}
	if l.Balance.GreaterThanOrEqual(decimal.NewFromInt(MillionaireBalance)) {
		l.Achievements.Millionaire = true
	}
	if l.Level >= SpeedDemonLevel {
		l.Achievements.SpeedDemon = true
	}
}

// Validate checks the stored-state invariants of the record.
func (l *UserLedger) Validate() error {
	if err := ValidateUserID(l.UserID); err != nil {
		return err
	}
	if l.Balance.IsNegative() {
		return NewValidationError("balance", l.Balance.String(), "must not be negative")
	}
	if l.XP.IsNegative() {
		return NewValidationError("xp", l.XP.String(), "must not be negative")
	}
	if l.Level < 1 {
		return NewValidationError("level", l.Level, "must be at least 1")
	}
	if l.Attempts < 0 || l.Attempts > MaxAttempts {
		return NewValidationError("attempts", l.Attempts, "must be between 0 and 100")
	}
	if l.FarmingCount < 0 || l.SessionsStarted < 0 {
		return NewValidationError("farming_count", l.FarmingCount, "must not be negative")
	}
	if l.DailyReward.CurrentStreak < 0 || l.DailyReward.MaxStreak < 0 {
		return NewValidationError("daily_reward", l.DailyReward.CurrentStreak, "streaks must not be negative")
	}
	if l.Referral.ReferrerID != nil && *l.Referral.ReferrerID == l.UserID {
		return ErrSelfReferral
	}
	return nil
}

func ValidateUserID(id string) error {
	if id == "" || len(id) > MaxUserIDLength || !userIDRE.MatchString(id) {
		return NewValidationError("user_id", id, "must be 1-64 characters of letters, digits, '_' or '-'")
	}
	return nil
}
