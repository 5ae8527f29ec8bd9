package integration

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lime_farm/internal/config"
	"lime_farm/internal/cryptobox"
	"lime_farm/internal/db"
	"lime_farm/internal/domain"
	"lime_farm/internal/migrations"
	"lime_farm/internal/repository"
	"lime_farm/internal/service"
	"lime_farm/internal/txn"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	pool  *pgxpool.Pool
	store *repository.Postgres
	svc   *service.LedgerService
	now   atomic.Pointer[time.Time]
}

func (e *env) clock() time.Time { return *e.now.Load() }

func (e *env) advance(d time.Duration) {
	t := e.clock().Add(d)
	e.now.Store(&t)
}

func setup(t *testing.T) *env {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := db.Connect(ctx, dsn, db.Options{Attempts: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrations.Apply(ctx, pool, nil))

	box, err := cryptobox.New([]byte(strings.Repeat("i", 32)))
	require.NoError(t, err)

	e := &env{pool: pool, store: repository.NewPostgres(pool, repository.NewCodec(box))}
	start := time.Now().UTC().Truncate(time.Second)
	e.now.Store(&start)
	e.svc = service.NewLedgerService(txn.New(e.store, 5), config.DefaultRules(), service.WithClock(e.clock))
	return e
}

// uid returns an id unique to this run so tests never see each other's rows.
func uid(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func TestPostgres_CreateAndSealAtRest(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("seal")

	view, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.ReferralCode, domain.ReferralCodeLength)

	var rawCode, rawEarnings string
	require.NoError(t, e.pool.QueryRow(ctx,
		`SELECT referral_code::text, total_earnings::text FROM user_ledgers WHERE user_id = $1`, id,
	).Scan(&rawCode, &rawEarnings))
	assert.NotContains(t, rawCode, view.ReferralCode)
	assert.Contains(t, rawCode, "ciphertext")
	assert.Contains(t, rawEarnings, "tag")

	owner, err := e.store.FindByReferralCode(ctx, strings.ToLower(view.ReferralCode))
	require.NoError(t, err)
	assert.Equal(t, id, owner.UserID)
}

func TestPostgres_ConcurrentStartExactlyOne(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("race")
	_, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.StartFarming(ctx, id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrSessionAlreadyActive):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), conflicts.Load())

	l, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, l.SessionsStarted)
}

func TestPostgres_UnitRollsBack(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("rb")
	_, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = e.store.WithTx(ctx, func(ctx context.Context, s repository.LedgerStore) error {
		l, err := s.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		l.Balance = decimal.NewFromInt(500)
		if err := s.Save(ctx, l); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	l, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, l.Balance.IsZero())
}

func TestPostgres_FarmingAndReferralCredit(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	alice, bob := uid("alice"), uid("bob")

	aliceView, err := e.svc.GetUser(ctx, alice)
	require.NoError(t, err)
	_, err = e.svc.GetUser(ctx, bob)
	require.NoError(t, err)

	_, err = e.svc.ApplyReferral(ctx, bob, aliceView.ReferralCode)
	require.NoError(t, err)
	_, err = e.svc.ApplyReferral(ctx, alice, "")
	require.Error(t, err)

	_, err = e.svc.StartFarming(ctx, bob)
	require.NoError(t, err)
	e.advance(5 * time.Hour)

	bobView, err := e.svc.GetUser(ctx, bob)
	require.NoError(t, err)
	assert.True(t, bobView.Balance.Equal(decimal.NewFromInt(100)), bobView.Balance.String())
	assert.Equal(t, 1, bobView.FarmingCount)

	refs, err := e.svc.GetReferrals(ctx, alice)
	require.NoError(t, err)
	require.Len(t, refs.ReferredUsers, 1)
	assert.True(t, refs.TotalEarnings.Equal(decimal.NewFromInt(10)), refs.TotalEarnings.String())
	assert.True(t, refs.ReferredUsers[0].Earnings.Equal(decimal.NewFromInt(10)))

	events, err := e.svc.History(ctx, alice, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventReferralEarning, events[0].Type)
	assert.True(t, events[0].Amount.Equal(decimal.NewFromInt(10)))

	var rawReferred string
	require.NoError(t, e.pool.QueryRow(ctx,
		`SELECT referred_users::text FROM user_ledgers WHERE user_id = $1`, alice,
	).Scan(&rawReferred))
	assert.Contains(t, rawReferred, "ciphertext")
	assert.NotContains(t, rawReferred, bob)
	assert.NotContains(t, rawReferred, "earnings")

	var plainAmount string
	var sealed *string
	require.NoError(t, e.pool.QueryRow(ctx,
		`SELECT amount::text, sealed_amount::text FROM ledger_events WHERE user_id = $1 AND type = $2`,
		alice, domain.EventReferralEarning,
	).Scan(&plainAmount, &sealed))
	assert.Equal(t, "0", plainAmount)
	require.NotNil(t, sealed)
	assert.Contains(t, *sealed, "ciphertext")
}

func TestPostgres_ConcurrentReferralOneWins(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	alice, carol, bob := uid("alice"), uid("carol"), uid("bob")

	var codes []string
	for _, id := range []string{alice, carol} {
		v, err := e.svc.GetUser(ctx, id)
		require.NoError(t, err)
		codes = append(codes, v.ReferralCode)
	}
	_, err := e.svc.GetUser(ctx, bob)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins, already atomic.Int32
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := e.svc.ApplyReferral(ctx, bob, code)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrAlreadyReferred):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(code)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), already.Load())

	total := 0
	for _, id := range []string{alice, carol} {
		refs, err := e.svc.GetReferrals(ctx, id)
		require.NoError(t, err)
		total += refs.Count
	}
	assert.Equal(t, 1, total)
}

func TestPostgres_TamperedFieldIsUnavailableAndPreserved(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("tamper")
	_, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)

	const badTag = "00000000000000000000000000000000"
	_, err = e.pool.Exec(ctx,
		`UPDATE user_ledgers SET referral_code = jsonb_set(referral_code, '{tag}', to_jsonb($2::text)) WHERE user_id = $1`,
		id, badTag)
	require.NoError(t, err)

	view, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.ReferralCode)

	_, err = e.svc.UpdateAttempts(ctx, id, 42)
	require.NoError(t, err)

	var tag string
	require.NoError(t, e.pool.QueryRow(ctx,
		`SELECT referral_code->>'tag' FROM user_ledgers WHERE user_id = $1`, id,
	).Scan(&tag))
	assert.Equal(t, badTag, tag)
}

func TestPostgres_CheckConstraintsGuardRange(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("chk")
	_, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)

	_, err = e.pool.Exec(ctx, `UPDATE user_ledgers SET attempts = 101 WHERE user_id = $1`, id)
	assert.Error(t, err)
	_, err = e.pool.Exec(ctx, `UPDATE user_ledgers SET referrer_id = user_id WHERE user_id = $1`, id)
	assert.Error(t, err)
}

func TestPostgres_SweepSettlesStaleSessions(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	id := uid("sweep")
	_, err := e.svc.GetUser(ctx, id)
	require.NoError(t, err)
	_, err = e.svc.StartFarming(ctx, id)
	require.NoError(t, err)

	e.advance(6 * time.Hour)
	ids, err := e.store.ListStaleSessions(ctx, e.clock().Add(-5*time.Hour), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	n, err := e.svc.SweepStaleSessions(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	l, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, l.Session)
	assert.True(t, l.Balance.Equal(decimal.NewFromInt(100)))
}
