package service

import (
	"context"
	"errors"
	"time"

	"lime_farm/internal/config"
	"lime_farm/internal/cryptobox"
	"lime_farm/internal/domain"
	"lime_farm/internal/farming"
	"lime_farm/internal/logger"
	"lime_farm/internal/repository"
	"lime_farm/internal/rewards"
	"lime_farm/internal/txn"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	createAttempts      = 5
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultSweepBatch   = 100
)

// LedgerService is the operation surface of the farming ledger. Every
// mutation runs as one coordinator unit with the touched ledgers locked.
type LedgerService struct {
	tx         *txn.Coordinator
	engine     *farming.Engine
	rules      config.Rules
	now        func() time.Time
	newCode    func() (string, error)
	sweepBatch int
}

type Option func(*LedgerService)

func WithClock(now func() time.Time) Option {
	return func(s *LedgerService) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *LedgerService) { s.newCode = gen }
}

func WithSweepBatch(n int) Option {
	return func(s *LedgerService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func NewLedgerService(tx *txn.Coordinator, rules config.Rules, opts ...Option) *LedgerService {
	s := &LedgerService{
		tx:         tx,
		engine:     farming.NewEngine(rules),
		rules:      rules,
		now:        time.Now,
		newCode:    cryptobox.NewReferralCode,
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerService) Engine() *farming.Engine {
	return s.engine
}

// Ping reports whether the store is reachable.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.tx.Store().Ping(ctx)
}

// GetUser returns the ledger of userID, creating it on first sight. A session
// that has run its full duration is settled as part of the read.
func (s *LedgerService) GetUser(ctx context.Context, userID string) (*LedgerView, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < createAttempts; i++ {
		now := s.now()
		view, err := txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (*LedgerView, error) {
			l, err := st.GetForUpdate(ctx, userID)
			if errors.Is(err, domain.ErrUserNotFound) {
				return s.create(ctx, st, userID, now)
			}
			if err != nil {
				return nil, err
			}
			settlement, err := s.settle(ctx, st, l, now)
			if err != nil {
				return nil, err
			}
			if settlement.Completed() {
				if err := st.Save(ctx, l); err != nil {
					return nil, err
				}
			}
			return newLedgerView(l, settlement), nil
		})
		// Both races resolve on the next attempt: a fresh code, or the row
		// inserted by the concurrent request.
		if errors.Is(err, repository.ErrReferralCodeTaken) || errors.Is(err, domain.ErrDuplicateUser) {
			lastErr = err
			continue
		}
		return view, err
	}
	logger.WithContext(ctx).Error("ledger creation kept colliding", "user_id", userID, "error", lastErr)
	return nil, domain.Unavailable(lastErr)
}

func (s *LedgerService) create(ctx context.Context, st repository.LedgerStore, userID string, now time.Time) (*LedgerView, error) {
	code, err := s.newCode()
	if err != nil {
		return nil, err
	}
	l := domain.NewUserLedger(userID, code, now)
	if err := st.Insert(ctx, l); err != nil {
		return nil, err
	}
	logger.WithContext(ctx).Info("ledger created", "user_id", userID)
	return s.viewAt(l, now), nil
}

// viewAt renders l at now without settling it.
func (s *LedgerService) viewAt(l *domain.UserLedger, now time.Time) *LedgerView {
	st := farming.Settlement{Status: farming.StatusIdle}
	if p := s.engine.Project(l, now); p != nil {
		st = farming.Settlement{Status: farming.StatusInProgress, Earned: p.Earned, Progress: p}
	}
	return newLedgerView(l, st)
}

// settle applies a finished session to l and books the referrer's share.
// l must be locked by the caller, who also saves it.
func (s *LedgerService) settle(ctx context.Context, st repository.LedgerStore, l *domain.UserLedger, now time.Time) (farming.Settlement, error) {
	settlement := s.engine.Settle(l, now)
	if !settlement.Completed() {
		return settlement, nil
	}

	if err := st.AppendEvent(ctx, newEvent(l.UserID, domain.EventFarmingReward, settlement.Earned, now, map[string]interface{}{
		"xp": settlement.XPEarned.String(),
	})); err != nil {
		return settlement, err
	}

	if l.Referred() {
		if err := s.creditReferrer(ctx, st, l, settlement.Earned, now); err != nil {
			return settlement, err
		}
	}
	return settlement, nil
}

func (s *LedgerService) creditReferrer(ctx context.Context, st repository.LedgerStore, l *domain.UserLedger, earned decimal.Decimal, now time.Time) error {
	referrerID := *l.Referral.ReferrerID
	referrer, err := st.GetForUpdate(ctx, referrerID)
	if errors.Is(err, domain.ErrUserNotFound) {
		logger.WithContext(ctx).Warn("referrer missing, earning not credited", "user_id", l.UserID, "referrer_id", referrerID)
		return nil
	}
	if err != nil {
		return err
	}

	amount := rewards.Credit(referrer, l.UserID, earned, s.rules.ReferralRate, now)
	if amount.IsZero() {
		return nil
	}
	if err := st.Save(ctx, referrer); err != nil {
		return err
	}
	return st.AppendEvent(ctx, newEvent(referrerID, domain.EventReferralEarning, amount, now, map[string]interface{}{
		"from": rewards.MaskUserID(l.UserID),
	}))
}

// StartFarming opens a session. A session that has already run out is
// settled first and does not block the new one.
func (s *LedgerService) StartFarming(ctx context.Context, userID string) (*LedgerView, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	now := s.now()
	return txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (*LedgerView, error) {
		l, err := st.GetForUpdate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := s.settle(ctx, st, l, now); err != nil {
			return nil, err
		}
		if err := s.engine.StartSession(l, now); err != nil {
			return nil, err
		}
		if err := st.Save(ctx, l); err != nil {
			return nil, err
		}
		logger.WithContext(ctx).Info("farming started", "user_id", userID)
		return s.viewAt(l, now), nil
	})
}

func (s *LedgerService) ClaimDailyReward(ctx context.Context, userID string) (*rewards.DailyResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	now := s.now()
	return txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (*rewards.DailyResult, error) {
		l, err := st.GetForUpdate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if _, err := s.settle(ctx, st, l, now); err != nil {
			return nil, err
		}
		res, err := rewards.ClaimDaily(l, now, s.rules.DailyLocation)
		if err != nil {
			return nil, err
		}
		if err := st.Save(ctx, l); err != nil {
			return nil, err
		}
		if err := st.AppendEvent(ctx, newEvent(userID, domain.EventDailyReward, res.LimeReward, now, map[string]interface{}{
			"streak":   res.Streak,
			"attempts": res.AttemptsReward,
		})); err != nil {
			return nil, err
		}
		return &res, nil
	})
}

// UserPatch lists the fields a client may overwrite directly.
type UserPatch struct {
	Balance      *decimal.Decimal     `json:"balance"`
	XP           *decimal.Decimal     `json:"xp"`
	Level        *int                 `json:"level"`
	Attempts     *int                 `json:"attempts"`
	Achievements *domain.Achievements `json:"achievements"`
}

func (p UserPatch) fieldPatch(now time.Time) repository.FieldPatch {
	return repository.FieldPatch{
		Balance:      p.Balance,
		XP:           p.XP,
		Level:        p.Level,
		Attempts:     p.Attempts,
		Achievements: p.Achievements,
		At:           now,
	}
}

func (s *LedgerService) UpdateUser(ctx context.Context, userID string, patch UserPatch) (*LedgerView, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	fp := patch.fieldPatch(s.now())
	if fp.Empty() {
		return nil, domain.NewValidationError("body", "{}", "no updatable fields")
	}

	return txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (*LedgerView, error) {
		before, err := st.GetForUpdate(ctx, userID)
		if err != nil {
			return nil, err
		}
		l, err := st.UpdateFields(ctx, userID, repository.FieldFilter{UnchangedSince: &before.LastUpdate}, fp)
		if err != nil {
			return nil, notFound(err)
		}
		if err := st.AppendEvent(ctx, newEvent(userID, domain.EventManualUpdate, l.Balance.Sub(before.Balance), fp.At, patchMeta(patch))); err != nil {
			return nil, err
		}
		return s.viewAt(l, fp.At), nil
	})
}

func patchMeta(p UserPatch) map[string]interface{} {
	meta := map[string]interface{}{}
	if p.Balance != nil {
		meta["balance"] = p.Balance.String()
	}
	if p.XP != nil {
		meta["xp"] = p.XP.String()
	}
	if p.Level != nil {
		meta["level"] = *p.Level
	}
	if p.Attempts != nil {
		meta["attempts"] = *p.Attempts
	}
	if p.Achievements != nil {
		meta["achievements"] = *p.Achievements
	}
	return meta
}

func (s *LedgerService) UpdateAttempts(ctx context.Context, userID string, attempts int) (*LedgerView, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := rewards.ValidateAttempts(attempts); err != nil {
		return nil, err
	}
	now := s.now()
	l, err := s.tx.AtomicFieldUpdate(ctx, userID, repository.FieldFilter{}, repository.FieldPatch{Attempts: &attempts, At: now})
	if err != nil {
		return nil, notFound(err)
	}
	return s.viewAt(l, now), nil
}

// notFound maps an unconditional update's conflict onto the missing user.
func notFound(err error) error {
	if errors.Is(err, domain.ErrConflictOrNotFound) {
		return domain.ErrUserNotFound
	}
	return err
}

// GetReferrals reports the referral ledger of userID. Referred users whose
// session has run its full duration are settled first so their share is
// included.
func (s *LedgerService) GetReferrals(ctx context.Context, userID string) (*ReferralsView, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	store := s.tx.Store()
	l, err := store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cutoff := s.engine.StaleCutoff(now)
	credited := false
	for _, ru := range l.Referral.ReferredUsers {
		referred, err := store.Get(ctx, ru.UserID)
		if err != nil {
			logger.WithContext(ctx).Warn("referred user unreadable", "user_id", userID, "referred", rewards.MaskUserID(ru.UserID), "error", err)
			continue
		}
		if referred.Session == nil || referred.Session.StartedAt.After(cutoff) {
			continue
		}
		done, err := s.settleOne(ctx, ru.UserID, now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.WithContext(ctx).Error("settle referred user failed", "user_id", userID, "referred", rewards.MaskUserID(ru.UserID), "error", err)
			continue
		}
		credited = credited || done
	}
	if credited {
		if l, err = store.Get(ctx, userID); err != nil {
			return nil, err
		}
	}
	return newReferralsView(l), nil
}

// ApplyReferral attaches userID to the owner of code. The referred user is
// locked before the referrer.
func (s *LedgerService) ApplyReferral(ctx context.Context, userID, code string) (*ReferralResult, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	code = cryptobox.NormalizeReferralCode(code)
	if len(code) != domain.ReferralCodeLength {
		return nil, domain.ErrInvalidReferralCode
	}
	now := s.now()

	return txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (*ReferralResult, error) {
		user, err := st.GetForUpdate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user.Referred() {
			return nil, domain.ErrAlreadyReferred
		}

		owner, err := st.FindByReferralCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if owner.UserID == user.UserID {
			return nil, domain.ErrSelfReferral
		}
		referrer, err := st.GetForUpdate(ctx, owner.UserID)
		if err != nil {
			return nil, err
		}
		if err := rewards.CheckChain(ctx, user.UserID, referrer.Referral.ReferrerID, st.ReferrerOf); err != nil {
			return nil, err
		}
		if err := rewards.Attach(user, referrer, now); err != nil {
			return nil, err
		}

		if err := st.Save(ctx, user); err != nil {
			return nil, err
		}
		if err := st.Save(ctx, referrer); err != nil {
			return nil, err
		}
		if err := st.AppendEvent(ctx, newEvent(referrer.UserID, domain.EventReferralJoined, decimal.Zero, now, map[string]interface{}{
			"referred": rewards.MaskUserID(user.UserID),
		})); err != nil {
			return nil, err
		}
		logger.WithContext(ctx).Info("referral applied", "user_id", userID, "referrer_id", referrer.UserID)
		return &ReferralResult{ReferrerID: rewards.MaskUserID(referrer.UserID), JoinedAt: now}, nil
	})
}

// SweepStaleSessions settles every session that has run its full duration.
// Each ledger is settled in its own unit; a failing ledger is logged and
// skipped. It returns the number of sessions settled.
func (s *LedgerService) SweepStaleSessions(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := s.engine.StaleCutoff(now)
	settled := 0
	seen := make(map[string]bool)

	for {
		ids, err := s.tx.Store().ListStaleSessions(ctx, cutoff, s.sweepBatch)
		if err != nil {
			return settled, err
		}
		fresh := 0
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			fresh++

			done, err := s.settleOne(ctx, id, now)
			if err != nil {
				if ctx.Err() != nil {
					return settled, ctx.Err()
				}
				logger.WithContext(ctx).Error("sweep settle failed", "user_id", id, "error", err)
				continue
			}
			if done {
				settled++
			}
		}
		if fresh == 0 || len(ids) < s.sweepBatch {
			return settled, nil
		}
	}
}

// settleOne settles the session of userID in its own unit. It reports whether
// a session was completed.
func (s *LedgerService) settleOne(ctx context.Context, userID string, now time.Time) (bool, error) {
	return txn.Query(ctx, s.tx, func(ctx context.Context, st repository.LedgerStore) (bool, error) {
		l, err := st.GetForUpdate(ctx, userID)
		if err != nil {
			return false, err
		}
		settlement, err := s.settle(ctx, st, l, now)
		if err != nil || !settlement.Completed() {
			return false, err
		}
		return true, st.Save(ctx, l)
	})
}

func (s *LedgerService) History(ctx context.Context, userID string, limit int) ([]domain.LedgerEvent, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.tx.Store().Get(ctx, userID); err != nil {
		return nil, err
	}
	return s.tx.Store().ListEvents(ctx, userID, limit)
}

func newEvent(userID, typ string, amount decimal.Decimal, at time.Time, meta map[string]interface{}) *domain.LedgerEvent {
	return &domain.LedgerEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		Meta:      meta,
		CreatedAt: at,
	}
}
