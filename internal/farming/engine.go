// Package farming computes time-proportional rewards for farming sessions.
//
// The engine is pure: every method takes the ledger and a single captured
// "now" and never reads the clock itself, so a progress projection and a
// completion check made in the same request cannot disagree.
package farming

import (
	"time"

	"lime_farm/internal/config"
	"lime_farm/internal/domain"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Progress is the derived view of an open session. It is never persisted.
type Progress struct {
	StartedAt      time.Time       `json:"started_at"`
	EndsAt         time.Time       `json:"ends_at"`
	Elapsed        time.Duration   `json:"elapsed"`
	Remaining      time.Duration   `json:"remaining"`
	Fraction       float64         `json:"progress"`
	Earned         decimal.Decimal `json:"earned"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CurrentXP      decimal.Decimal `json:"current_xp"`
}

// Settlement describes what Settle did.
type Settlement struct {
	Status   Status
	Earned   decimal.Decimal
	XPEarned decimal.Decimal
	Progress *Progress
}

func (s Settlement) Completed() bool {
	return s.Status == StatusCompleted
}

type Engine struct {
	duration    time.Duration
	totalReward decimal.Decimal
	xpRatio     decimal.Decimal
}

func NewEngine(rules config.Rules) *Engine {
	return &Engine{
		duration:    rules.SessionDuration,
		totalReward: rules.TotalReward,
		xpRatio:     rules.XPRatio,
	}
}

func (e *Engine) Duration() time.Duration {
	return e.duration
}

func (e *Engine) TotalReward() decimal.Decimal {
	return e.totalReward
}

// Earned returns the reward accrued after elapsed time, capped at the total.
func (e *Engine) Earned(elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	if elapsed >= e.duration {
		return e.totalReward
	}
	return e.totalReward.
		Mul(decimal.NewFromInt(int64(elapsed))).
		Div(decimal.NewFromInt(int64(e.duration)))
}

func (e *Engine) elapsed(s *domain.Session, now time.Time) time.Duration {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		// Clock skew: a session cannot have accrued anything before it started.
		return 0
	}
	return d
}

// Settle reconciles l at now. A finished session is applied to l and cleared;
// an open one is projected without touching l.
func (e *Engine) Settle(l *domain.UserLedger, now time.Time) Settlement {
	if l.Session == nil {
		return Settlement{Status: StatusIdle, Earned: decimal.Zero, XPEarned: decimal.Zero}
	}

	elapsed := e.elapsed(l.Session, now)
	if elapsed >= e.duration {
		xp := e.totalReward.Mul(e.xpRatio)
		l.Balance = l.Balance.Add(e.totalReward)
		l.XP = l.XP.Add(xp)
		l.Session = nil
		l.FarmingCount++
		l.LastUpdate = now
		l.RefreshAchievements()
		return Settlement{Status: StatusCompleted, Earned: e.totalReward, XPEarned: xp}
	}

	p := e.project(l, elapsed)
	return Settlement{
		Status:   StatusInProgress,
		Earned:   p.Earned,
		XPEarned: p.Earned.Mul(e.xpRatio),
		Progress: p,
	}
}

// Project returns the in-progress view of l at now, or nil if l has no open
// session or the session has already run its full duration.
func (e *Engine) Project(l *domain.UserLedger, now time.Time) *Progress {
	if l.Session == nil {
		return nil
	}
	elapsed := e.elapsed(l.Session, now)
	if elapsed >= e.duration {
		return nil
	}
	return e.project(l, elapsed)
}

func (e *Engine) project(l *domain.UserLedger, elapsed time.Duration) *Progress {
	earned := e.Earned(elapsed)
	return &Progress{
		StartedAt:      l.Session.StartedAt,
		EndsAt:         l.Session.StartedAt.Add(e.duration),
		Elapsed:        elapsed,
		Remaining:      e.duration - elapsed,
		Fraction:       float64(elapsed) / float64(e.duration),
		Earned:         earned,
		CurrentBalance: l.Balance.Add(earned),
		CurrentXP:      l.XP.Add(earned.Mul(e.xpRatio)),
	}
}

// StartSession opens a session at now. Callers settle first so that a
// session which has already run out does not block a new one.
func (e *Engine) StartSession(l *domain.UserLedger, now time.Time) error {
	if l.Session != nil {
		return domain.ErrSessionAlreadyActive
	}
	l.Session = &domain.Session{StartedAt: now}
	l.SessionsStarted++
	l.LastUpdate = now
	l.RefreshAchievements()
	return nil
}

// StaleCutoff is the start time before which every open session is complete.
func (e *Engine) StaleCutoff(now time.Time) time.Time {
	return now.Add(-e.duration)
}
