package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lime_farm/internal/cryptobox"
	"lime_farm/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool  *pgxpool.Pool
	codec *Codec
	q     querier
	inTx  bool
}

func NewPostgres(pool *pgxpool.Pool, codec *Codec) *Postgres {
	return &Postgres{pool: pool, codec: codec, q: pool}
}

const ledgerColumns = `user_id, balance::text, xp::text, level, session_started_at, attempts,
	daily_reward, referral_code, referral_lookup, referrer_id, referred_users, total_earnings,
	achievements, sessions_started, farming_count, created_at, last_update`

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return domain.Unavailable(err)
	}
	return nil
}

// WithTx runs fn in a database transaction. The deferred rollback also
// covers a panic inside fn.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, s LedgerStore) error) error {
	if p.inTx {
		return fn(ctx, p)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &Postgres{pool: p.pool, codec: p.codec, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, userID string) (*domain.UserLedger, error) {
	return p.getRow(ctx, `SELECT `+ledgerColumns+` FROM user_ledgers WHERE user_id = $1`, userID)
}

func (p *Postgres) GetForUpdate(ctx context.Context, userID string) (*domain.UserLedger, error) {
	return p.getRow(ctx, `SELECT `+ledgerColumns+` FROM user_ledgers WHERE user_id = $1 FOR UPDATE`, userID)
}

func (p *Postgres) getRow(ctx context.Context, sql string, args ...any) (*domain.UserLedger, error) {
	rec, err := scanRecord(p.q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, translate(err)
	}
	return p.codec.Decode(rec), nil
}

func (p *Postgres) FindByReferralCode(ctx context.Context, code string) (*domain.UserLedger, error) {
	l, err := p.getRow(ctx, `SELECT `+ledgerColumns+` FROM user_ledgers WHERE referral_lookup = $1`, p.codec.LookupKey(code))
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrInvalidReferralCode
	}
	return l, err
}

func (p *Postgres) ReferrerOf(ctx context.Context, userID string) (*string, error) {
	var referrer *string
	err := p.q.QueryRow(ctx, `SELECT referrer_id FROM user_ledgers WHERE user_id = $1`, userID).Scan(&referrer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return referrer, nil
}

func (p *Postgres) Insert(ctx context.Context, l *domain.UserLedger) error {
	rec, err := p.codec.Encode(l)
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO user_ledgers (user_id, balance, xp, level, session_started_at, attempts,
			daily_reward, referral_code, referral_lookup, referrer_id, referred_users, total_earnings,
			achievements, sessions_started, farming_count, last_update, created_at)
		 VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		append(args, rec.CreatedAt)...,
	)
	return translate(err)
}

// Save overwrites the mutable columns. Sealed columns whose value could not
// be read on load are kept as stored.
func (p *Postgres) Save(ctx context.Context, l *domain.UserLedger) error {
	rec, err := p.codec.Encode(l)
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	tag, err := p.q.Exec(ctx,
		`UPDATE user_ledgers SET
			balance = $2::numeric,
			xp = $3::numeric,
			level = $4,
			session_started_at = $5,
			attempts = $6,
			daily_reward = $7,
			referral_code = COALESCE($8::jsonb, referral_code),
			referral_lookup = COALESCE($9, referral_lookup),
			referrer_id = $10,
			referred_users = COALESCE($11::jsonb, referred_users),
			total_earnings = COALESCE($12::jsonb, total_earnings),
			achievements = $13,
			sessions_started = $14,
			farming_count = $15,
			last_update = $16
		 WHERE user_id = $1`,
		args...,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) UpdateFields(ctx context.Context, userID string, filter FieldFilter, patch FieldPatch) (*domain.UserLedger, error) {
	var out *domain.UserLedger
	err := p.WithTx(ctx, func(ctx context.Context, s LedgerStore) error {
		l, err := s.GetForUpdate(ctx, userID)
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.ErrConflictOrNotFound
		}
		if err != nil {
			return err
		}
		if !filter.Match(l) {
			return domain.ErrConflictOrNotFound
		}
		if err := patch.Apply(l); err != nil {
			return err
		}
		if err := s.Save(ctx, l); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func (p *Postgres) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := p.q.Query(ctx,
		`SELECT user_id FROM user_ledgers
		 WHERE session_started_at IS NOT NULL AND session_started_at <= $1
		 ORDER BY session_started_at, user_id
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate(err)
		}
		ids = append(ids, id)
	}
	return ids, translate(rows.Err())
}

func (p *Postgres) AppendEvent(ctx context.Context, e *domain.LedgerEvent) error {
	var meta *string
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return err
		}
		s := string(b)
		meta = &s
	}
	rec, err := p.codec.EncodeEvent(e)
	if err != nil {
		return err
	}
	sealed, _, err := sealedArg(rec.SealedAmount, "")
	if err != nil {
		return err
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO ledger_events (id, user_id, type, amount, sealed_amount, meta, created_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		rec.ID, rec.UserID, rec.Type, rec.Amount.String(), sealed, meta, rec.CreatedAt,
	)
	return translate(err)
}

func (p *Postgres) ListEvents(ctx context.Context, userID string, limit int) ([]domain.LedgerEvent, error) {
	rows, err := p.q.Query(ctx,
		`SELECT id::text, user_id, type, amount::text, sealed_amount, meta, created_at
		 FROM ledger_events
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	events := []domain.LedgerEvent{}
	for rows.Next() {
		var (
			rec          EventRecord
			amount       string
			sealed, meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &amount, &sealed, &meta, &rec.CreatedAt); err != nil {
			return nil, translate(err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Meta); err != nil {
				return nil, err
			}
		}
		if len(sealed) > 0 {
			_ = json.Unmarshal(sealed, &rec.SealedAmount)
		}
		events = append(events, p.codec.DecodeEvent(&rec))
	}
	return events, translate(rows.Err())
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                                  Record
		balance, xp                          string
		daily, code, referred, total, achiev []byte
	)
	if err := row.Scan(
		&rec.UserID,
		&balance,
		&xp,
		&rec.Level,
		&rec.SessionStartedAt,
		&rec.Attempts,
		&daily,
		&code,
		&rec.ReferralLookup,
		&rec.ReferrerID,
		&referred,
		&total,
		&achiev,
		&rec.SessionsStarted,
		&rec.FarmingCount,
		&rec.CreatedAt,
		&rec.LastUpdate,
	); err != nil {
		return nil, err
	}

	var err error
	if rec.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("balance: %w", domain.ErrIntegrityCheckFailed)
	}
	if rec.XP, err = decimal.NewFromString(xp); err != nil {
		return nil, fmt.Errorf("xp: %w", domain.ErrIntegrityCheckFailed)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{daily, &rec.DailyReward},
		{achiev, &rec.Achievements},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode %T: %w", f.dst, domain.ErrIntegrityCheckFailed)
		}
	}
	// A malformed sealed document is an integrity failure of that field, not
	// of the row; Codec.Decode reports it when the zero value fails to open.
	_ = json.Unmarshal(code, &rec.ReferralCode)
	_ = json.Unmarshal(total, &rec.TotalEarnings)
	_ = json.Unmarshal(referred, &rec.ReferredUsers)
	return &rec, nil
}

func recordArgs(rec *Record) ([]any, error) {
	daily, err := json.Marshal(rec.DailyReward)
	if err != nil {
		return nil, err
	}
	achiev, err := json.Marshal(rec.Achievements)
	if err != nil {
		return nil, err
	}
	code, lookup, err := sealedArg(rec.ReferralCode, rec.ReferralLookup)
	if err != nil {
		return nil, err
	}
	total, _, err := sealedArg(rec.TotalEarnings, "")
	if err != nil {
		return nil, err
	}
	referred, _, err := sealedArg(rec.ReferredUsers, "")
	if err != nil {
		return nil, err
	}
	return []any{
		rec.UserID,
		rec.Balance.String(),
		rec.XP.String(),
		rec.Level,
		rec.SessionStartedAt,
		rec.Attempts,
		string(daily),
		code,
		lookup,
		rec.ReferrerID,
		referred,
		total,
		string(achiev),
		rec.SessionsStarted,
		rec.FarmingCount,
		rec.LastUpdate,
	}, nil
}

// sealedArg returns NULL parameters for a zero Sealed so COALESCE keeps the stored value.
func sealedArg(s cryptobox.Sealed, lookup string) (*string, *string, error) {
	if s.IsZero() {
		return nil, nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, nil, err
	}
	doc := string(b)
	if lookup == "" {
		return &doc, nil, nil
	}
	return &doc, &lookup, nil
}

// IsSerializationFailure reports a conflict that Postgres resolves by
// aborting one side; the whole transaction can be retried.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrUserNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == "user_ledgers_referral_lookup_idx" {
				return ErrReferralCodeTaken
			}
			return domain.ErrDuplicateUser
		case "23514":
			return domain.NewValidationError(pgErr.ConstraintName, pgErr.TableName, "violates check constraint")
		case "23503":
			return domain.ErrUserNotFound
		case "40001", "40P01":
			return err
		}
		if pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57" {
			return domain.Unavailable(err)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	// Anything else from the driver is a connection-level failure.
	return domain.Unavailable(err)
}
