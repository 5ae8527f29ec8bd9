package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lime_farm/internal/config"
	"lime_farm/internal/cryptobox"
	"lime_farm/internal/domain"
	"lime_farm/internal/farming"
	"lime_farm/internal/repository"
	"lime_farm/internal/txn"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.May, 5, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *LedgerService
	store *repository.Memory
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	box, err := cryptobox.New([]byte(strings.Repeat("m", 32)))
	require.NoError(t, err)
	store := repository.NewMemory(repository.NewCodec(box))
	clock := &fakeClock{t: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		svc:   NewLedgerService(txn.New(store, 3), config.DefaultRules(), opts...),
		store: store,
		clock: clock,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestGetUser_CreatesOnFirstSight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", v.UserID)
	assert.Equal(t, 1, v.Level)
	assertDecimal(t, "0", v.Balance)
	assert.Len(t, v.ReferralCode, domain.ReferralCodeLength)
	assert.Equal(t, farming.StatusIdle, v.Farming.Status)

	again, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, v.ReferralCode, again.ReferralCode)
	assert.Equal(t, v.CreatedAt, again.CreatedAt)
}

func TestGetUser_RejectsBadIDs(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "a b", "<script>", strings.Repeat("x", 65)} {
		_, err := f.svc.GetUser(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrValidation, id)
	}
}

func TestGetUser_RetriesReferralCodeCollision(t *testing.T) {
	codes := []string{"AAAA2222", "AAAA2222", "BBBB3333"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	f := newFixture(t, WithCodeGenerator(gen))

	a, err := f.svc.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	b, err := f.svc.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "AAAA2222", a.ReferralCode)
	assert.Equal(t, "BBBB3333", b.ReferralCode)
}

func TestFarmingScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)

	started, err := f.svc.StartFarming(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, farming.StatusInProgress, started.Farming.Status)
	assert.Equal(t, 1, started.SessionsStarted)

	f.clock.Advance(90 * time.Minute)
	mid, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, farming.StatusInProgress, mid.Farming.Status)
	assertDecimal(t, "30", mid.Farming.Earned)
	assertDecimal(t, "30", mid.Farming.CurrentBalance)
	assertDecimal(t, "0", mid.Balance)
	assert.InDelta(t, 0.3, mid.Farming.Progress, 1e-9)
	assert.Nil(t, mid.Settled)

	_, err = f.svc.StartFarming(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyActive)

	f.clock.Advance(210 * time.Minute)
	done, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, done.Settled)
	assertDecimal(t, "100", done.Settled.Earned)
	assertDecimal(t, "100", done.Balance)
	assertDecimal(t, "50", done.XP)
	assert.Equal(t, farming.StatusIdle, done.Farming.Status)
	assert.Equal(t, 1, done.FarmingCount)
	assert.True(t, done.Achievements.FirstFarm)

	f.clock.Advance(24 * time.Hour)
	later, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "100", later.Balance)
	assert.Nil(t, later.Settled)

	events, err := f.svc.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFarmingReward, events[0].Type)
	assertDecimal(t, "100", events[0].Amount)
}

func TestStartFarming_ExpiredSessionDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.StartFarming(ctx, "alice")
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	v, err := f.svc.StartFarming(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "100", v.Balance)
	assert.Equal(t, farming.StatusInProgress, v.Farming.Status)
	assert.Equal(t, 2, v.SessionsStarted)
	assert.Equal(t, 1, v.FarmingCount)
}

func TestFarmingView_RemainingSecondsRoundsUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.StartFarming(ctx, "alice")
	require.NoError(t, err)

	f.clock.Advance(5*time.Hour - 1500*time.Millisecond)
	v, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, farming.StatusInProgress, v.Farming.Status)
	assert.Equal(t, int64(2), v.Farming.RemainingSeconds)

	f.clock.Advance(time.Second + 200*time.Millisecond)
	v, err = f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, farming.StatusInProgress, v.Farming.Status)
	assert.Equal(t, int64(1), v.Farming.RemainingSeconds)
}

func TestStartFarming_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartFarming(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestStartFarming_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.StartFarming(ctx, "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case domain.CodeOf(err) == "session_already_active":
				conflict++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflict)

	l, err := f.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, l.SessionsStarted)
}

func TestClaimDailyReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)

	res, err := f.svc.ClaimDailyReward(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)
	assertDecimal(t, "10", res.Balance)
	assert.Equal(t, 1, res.Attempts)

	_, err = f.svc.ClaimDailyReward(ctx, "alice")
	var claimed *domain.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, time.Date(2025, time.May, 6, 0, 0, 0, 0, time.UTC), claimed.NextEligibleAt)

	f.clock.Advance(24 * time.Hour)
	res, err = f.svc.ClaimDailyReward(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streak)
	assertDecimal(t, "30", res.Balance)
	assert.Equal(t, 3, res.Attempts)

	_, err = f.svc.ClaimDailyReward(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestReferralFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	bob, err := f.svc.GetUser(ctx, "bob123")
	require.NoError(t, err)

	res, err := f.svc.ApplyReferral(ctx, "bob123", strings.ToLower(alice.ReferralCode))
	require.NoError(t, err)
	assert.Equal(t, "al*ce", res.ReferrerID)

	_, err = f.svc.ApplyReferral(ctx, "bob123", alice.ReferralCode)
	assert.ErrorIs(t, err, domain.ErrAlreadyReferred)

	_, err = f.svc.ApplyReferral(ctx, "alice", alice.ReferralCode)
	assert.ErrorIs(t, err, domain.ErrSelfReferral)

	_, err = f.svc.ApplyReferral(ctx, "alice", bob.ReferralCode)
	assert.ErrorIs(t, err, domain.ErrReferralCycle)

	_, err = f.svc.ApplyReferral(ctx, "alice", "ZZZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode)
	_, err = f.svc.ApplyReferral(ctx, "alice", "short")
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode)

	refs, err := f.svc.GetReferrals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, refs.Count)
	assert.Equal(t, "bo**23", refs.ReferredUsers[0].UserID)
	assert.Equal(t, alice.ReferralCode, refs.Code)

	// bob's completed session credits alice's referral ledger, not her balance.
	_, err = f.svc.StartFarming(ctx, "bob123")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)
	_, err = f.svc.GetUser(ctx, "bob123")
	require.NoError(t, err)

	refs, err = f.svc.GetReferrals(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "10", refs.TotalEarnings)
	assertDecimal(t, "10", refs.ReferredUsers[0].Earnings)
	assert.True(t, refs.EarningsAvailable)

	aliceNow, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "0", aliceNow.Balance)

	events, err := f.svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventReferralEarning, events[0].Type)
	assert.Equal(t, domain.EventReferralJoined, events[1].Type)
}

func TestApplyReferral_ConcurrentCodesOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	carol, err := f.svc.GetUser(ctx, "carol")
	require.NoError(t, err)
	_, err = f.svc.GetUser(ctx, "bob123")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	for _, code := range []string{alice.ReferralCode, carol.ReferralCode} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := f.svc.ApplyReferral(ctx, "bob123", code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAlreadyReferred):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(code)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)

	aliceRefs, err := f.svc.GetReferrals(ctx, "alice")
	require.NoError(t, err)
	carolRefs, err := f.svc.GetReferrals(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, aliceRefs.Count+carolRefs.Count)
}

func TestGetReferrals_SettlesFinishedReferredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.GetUser(ctx, "bob123")
	require.NoError(t, err)
	_, err = f.svc.ApplyReferral(ctx, "bob123", alice.ReferralCode)
	require.NoError(t, err)
	_, err = f.svc.StartFarming(ctx, "bob123")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)
	refs, err := f.svc.GetReferrals(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "0", refs.TotalEarnings)

	// bob never reads his ledger; alice's read settles his session.
	f.clock.Advance(time.Hour)
	refs, err = f.svc.GetReferrals(ctx, "alice")
	require.NoError(t, err)
	assertDecimal(t, "10", refs.TotalEarnings)
	assertDecimal(t, "10", refs.ReferredUsers[0].Earnings)

	bob, err := f.store.Get(ctx, "bob123")
	require.NoError(t, err)
	assert.Nil(t, bob.Session)
	assertDecimal(t, "100", bob.Balance)
}

func TestReferral_LongerCycleRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	codes := map[string]string{}
	for _, id := range []string{"a1", "b2", "c3"} {
		v, err := f.svc.GetUser(ctx, id)
		require.NoError(t, err)
		codes[id] = v.ReferralCode
	}

	_, err := f.svc.ApplyReferral(ctx, "b2", codes["a1"])
	require.NoError(t, err)
	_, err = f.svc.ApplyReferral(ctx, "c3", codes["b2"])
	require.NoError(t, err)

	_, err = f.svc.ApplyReferral(ctx, "a1", codes["c3"])
	assert.ErrorIs(t, err, domain.ErrReferralCycle)

	a, err := f.store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, a.Referred())
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)

	balance := dec("1000000")
	level := 6
	v, err := f.svc.UpdateUser(ctx, "alice", UserPatch{Balance: &balance, Level: &level})
	require.NoError(t, err)
	assertDecimal(t, "1000000", v.Balance)
	assert.True(t, v.Achievements.Millionaire)
	assert.True(t, v.Achievements.SpeedDemon)

	low := dec("1")
	v, err = f.svc.UpdateUser(ctx, "alice", UserPatch{Balance: &low, Achievements: &domain.Achievements{}})
	require.NoError(t, err)
	assert.True(t, v.Achievements.Millionaire, "achievements never switch off")

	negative := dec("-1")
	_, err = f.svc.UpdateUser(ctx, "alice", UserPatch{Balance: &negative})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.UpdateUser(ctx, "alice", UserPatch{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.UpdateUser(ctx, "ghost", UserPatch{Level: &level})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	events, err := f.svc.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assertDecimal(t, "-999999", events[0].Amount)
}

func TestUpdateAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)

	v, err := f.svc.UpdateAttempts(ctx, "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, v.Attempts)

	_, err = f.svc.UpdateAttempts(ctx, "alice", 101)
	assert.ErrorIs(t, err, domain.ErrInvalidAttempts)
	_, err = f.svc.UpdateAttempts(ctx, "alice", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidAttempts)
	_, err = f.svc.UpdateAttempts(ctx, "ghost", 5)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	l, err := f.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 50, l.Attempts)
}

func TestSweepStaleSessions(t *testing.T) {
	f := newFixture(t, WithSweepBatch(2))
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := f.svc.GetUser(ctx, id)
		require.NoError(t, err)
		_, err = f.svc.StartFarming(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.svc.GetUser(ctx, "idle")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)
	n, err := f.svc.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(time.Hour)
	n, err = f.svc.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"u1", "u2", "u3"} {
		l, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assertDecimal(t, "100", l.Balance)
		assert.False(t, l.Farming())
	}

	n, err = f.svc.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_RunOnceAndStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetUser(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.StartFarming(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	sw := NewSweeper(f.svc, time.Hour)
	assert.Equal(t, 1, sw.RunOnce(ctx))

	sw.Start(ctx)
	sw.Start(ctx)
	sw.Stop()
	sw.Stop()
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.History(ctx, "ghost", 10)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = f.svc.GetUser(ctx, "alice")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.svc.ClaimDailyReward(ctx, "alice")
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	events, err := f.svc.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assertDecimal(t, "30", events[0].Amount)
	assertDecimal(t, "20", events[1].Amount)
}
