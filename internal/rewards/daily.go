// Package rewards holds the non-farming reward rules: the daily streak
// bonus, the single-level referral program and the attempts counter.
package rewards

import (
	"time"

	"lime_farm/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	MaxRewardDay     = 7
	LimePerRewardDay = 10
)

type DailyResult struct {
	Streak         int             `json:"streak"`
	MaxStreak      int             `json:"max_streak"`
	RewardDay      int             `json:"reward_day"`
	LimeReward     decimal.Decimal `json:"lime_reward"`
	AttemptsReward int             `json:"attempts_reward"`
	Balance        decimal.Decimal `json:"balance"`
	Attempts       int             `json:"attempts"`
	ClaimedAt      time.Time       `json:"claimed_at"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// NextEligible is midnight after the day of lastClaim in loc.
func NextEligible(lastClaim time.Time, loc *time.Location) time.Time {
	return startOfDay(lastClaim, loc).AddDate(0, 0, 1)
}

// ClaimDaily applies today's streak reward to l.
func ClaimDaily(l *domain.UserLedger, now time.Time, loc *time.Location) (DailyResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := startOfDay(now, loc)

	streak := 1
	if last := l.DailyReward.LastClaimedAt; last != nil {
		lastDay := startOfDay(*last, loc)
		if !today.After(lastDay) {
			return DailyResult{}, &domain.AlreadyClaimedError{
				LastClaimedAt:  *last,
				NextEligibleAt: NextEligible(*last, loc),
			}
		}
		if lastDay.AddDate(0, 0, 1).Equal(today) {
			streak = l.DailyReward.CurrentStreak + 1
		}
	}

	rewardDay := min(streak, MaxRewardDay)
	lime := decimal.NewFromInt(int64(rewardDay * LimePerRewardDay))

	// The attempts counter is bounded; the grant is capped to what fits.
	granted := min(rewardDay, domain.MaxAttempts-l.Attempts)
	if granted < 0 {
		granted = 0
	}

	claimedAt := now
	l.Balance = l.Balance.Add(lime)
	l.Attempts += granted
	l.DailyReward.LastClaimedAt = &claimedAt
	l.DailyReward.CurrentStreak = streak
	l.DailyReward.MaxStreak = max(l.DailyReward.MaxStreak, streak)
	l.LastUpdate = now
	l.RefreshAchievements()

	return DailyResult{
		Streak:         streak,
		MaxStreak:      l.DailyReward.MaxStreak,
		RewardDay:      rewardDay,
		LimeReward:     lime,
		AttemptsReward: granted,
		Balance:        l.Balance,
		Attempts:       l.Attempts,
		ClaimedAt:      now,
		NextEligibleAt: today.AddDate(0, 0, 1),
	}, nil
}
