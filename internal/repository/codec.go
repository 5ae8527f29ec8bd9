package repository

import (
	"encoding/json"
	"time"

	"lime_farm/internal/cryptobox"
	"lime_farm/internal/domain"
	"lime_farm/internal/logger"

	"github.com/shopspring/decimal"
)

// Record is the persisted shape of a ledger. Sensitive fields only exist in
// sealed form; a zero Sealed on write means "keep what is stored".
type Record struct {
	UserID           string
	Balance          decimal.Decimal
	XP               decimal.Decimal
	Level            int
	SessionStartedAt *time.Time
	Attempts         int
	DailyReward      domain.DailyReward
	ReferralCode     cryptobox.Sealed
	ReferralLookup   string
	ReferrerID       *string
	ReferredUsers    cryptobox.Sealed
	TotalEarnings    cryptobox.Sealed
	Achievements     domain.Achievements
	SessionsStarted  int
	FarmingCount     int
	CreatedAt        time.Time
	LastUpdate       time.Time
}

func (r *Record) clone() *Record {
	c := *r
	if r.SessionStartedAt != nil {
		t := *r.SessionStartedAt
		c.SessionStartedAt = &t
	}
	if r.DailyReward.LastClaimedAt != nil {
		t := *r.DailyReward.LastClaimedAt
		c.DailyReward.LastClaimedAt = &t
	}
	if r.ReferrerID != nil {
		id := *r.ReferrerID
		c.ReferrerID = &id
	}
	return &c
}

// Codec converts between the domain form and Record.
type Codec struct {
	box *cryptobox.Box
}

func NewCodec(box *cryptobox.Box) *Codec {
	return &Codec{box: box}
}

// LookupKey is the blind index used to find a ledger by referral code.
func (c *Codec) LookupKey(code string) string {
	return c.box.LookupKey(cryptobox.NormalizeReferralCode(code))
}

func (c *Codec) Encode(l *domain.UserLedger) (*Record, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	rec := &Record{
		UserID:          l.UserID,
		Balance:         l.Balance,
		XP:              l.XP,
		Level:           l.Level,
		Attempts:        l.Attempts,
		DailyReward:     l.DailyReward,
		Achievements:    l.Achievements,
		SessionsStarted: l.SessionsStarted,
		FarmingCount:    l.FarmingCount,
		CreatedAt:       l.CreatedAt,
		LastUpdate:      l.LastUpdate,
	}
	if l.Session != nil {
		started := l.Session.StartedAt
		rec.SessionStartedAt = &started
	}
	if l.Referral.ReferrerID != nil {
		id := cryptobox.Sanitize(*l.Referral.ReferrerID)
		rec.ReferrerID = &id
	}
	if !l.Referral.CodeUnavailable {
		code := cryptobox.NormalizeReferralCode(cryptobox.Sanitize(l.Referral.Code))
		sealed, err := c.box.Seal(code)
		if err != nil {
			return nil, err
		}
		rec.ReferralCode = sealed
		rec.ReferralLookup = c.box.LookupKey(code)
	}
	if !l.Referral.EarningsUnavailable {
		sealed, err := c.box.Seal(l.Referral.TotalEarnings.String())
		if err != nil {
			return nil, err
		}
		rec.TotalEarnings = sealed
	}
	if !l.Referral.ReferredUnavailable {
		referred := l.Referral.ReferredUsers
		if referred == nil {
			referred = []domain.ReferredUser{}
		}
		doc, err := json.Marshal(referred)
		if err != nil {
			return nil, err
		}
		sealed, err := c.box.Seal(string(doc))
		if err != nil {
			return nil, err
		}
		rec.ReferredUsers = sealed
	}
	return rec, nil
}

// Decode opens the sealed fields. A field that fails its integrity check is
// marked unavailable and the rest of the ledger is still returned.
func (c *Codec) Decode(rec *Record) *domain.UserLedger {
	l := &domain.UserLedger{
		UserID:          rec.UserID,
		Balance:         rec.Balance,
		XP:              rec.XP,
		Level:           rec.Level,
		Attempts:        rec.Attempts,
		DailyReward:     rec.DailyReward,
		Achievements:    rec.Achievements,
		SessionsStarted: rec.SessionsStarted,
		FarmingCount:    rec.FarmingCount,
		CreatedAt:       rec.CreatedAt,
		LastUpdate:      rec.LastUpdate,
		Referral: domain.Referral{
			ReferredUsers: []domain.ReferredUser{},
			TotalEarnings: decimal.Zero,
		},
	}
	if rec.SessionStartedAt != nil {
		l.Session = &domain.Session{StartedAt: *rec.SessionStartedAt}
	}
	if rec.ReferrerID != nil {
		id := *rec.ReferrerID
		l.Referral.ReferrerID = &id
	}

	if code, err := c.box.Open(rec.ReferralCode); err != nil {
		logger.Warn("referral code failed integrity check", "user_id", rec.UserID, "error", err)
		l.Referral.CodeUnavailable = true
	} else {
		l.Referral.Code = code
	}

	if raw, err := c.box.Open(rec.TotalEarnings); err != nil {
		logger.Warn("referral earnings failed integrity check", "user_id", rec.UserID, "error", err)
		l.Referral.EarningsUnavailable = true
	} else if total, err := decimal.NewFromString(raw); err != nil {
		logger.Warn("referral earnings are not a number", "user_id", rec.UserID, "error", err)
		l.Referral.EarningsUnavailable = true
	} else {
		l.Referral.TotalEarnings = total
	}

	if raw, err := c.box.Open(rec.ReferredUsers); err != nil {
		logger.Warn("referred users failed integrity check", "user_id", rec.UserID, "error", err)
		l.Referral.ReferredUnavailable = true
	} else if err := json.Unmarshal([]byte(raw), &l.Referral.ReferredUsers); err != nil {
		logger.Warn("referred users are not a valid document", "user_id", rec.UserID, "error", err)
		l.Referral.ReferredUsers = []domain.ReferredUser{}
		l.Referral.ReferredUnavailable = true
	}
	return l
}

// EventRecord is the persisted shape of a ledger event. Amounts of
// domain.SealedAmount types are kept in SealedAmount and Amount stays zero.
type EventRecord struct {
	ID           string
	UserID       string
	Type         string
	Amount       decimal.Decimal
	SealedAmount cryptobox.Sealed
	Meta         map[string]interface{}
	CreatedAt    time.Time
}

func (c *Codec) EncodeEvent(e *domain.LedgerEvent) (*EventRecord, error) {
	rec := &EventRecord{
		ID:        e.ID,
		UserID:    e.UserID,
		Type:      e.Type,
		Amount:    e.Amount,
		Meta:      e.Meta,
		CreatedAt: e.CreatedAt,
	}
	if domain.SealedAmount(e.Type) {
		sealed, err := c.box.Seal(e.Amount.String())
		if err != nil {
			return nil, err
		}
		rec.Amount = decimal.Zero
		rec.SealedAmount = sealed
	}
	return rec, nil
}

func (c *Codec) DecodeEvent(rec *EventRecord) domain.LedgerEvent {
	e := domain.LedgerEvent{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Type:      rec.Type,
		Amount:    rec.Amount,
		Meta:      rec.Meta,
		CreatedAt: rec.CreatedAt,
	}
	if !domain.SealedAmount(rec.Type) {
		return e
	}
	raw, err := c.box.Open(rec.SealedAmount)
	if err == nil {
		e.Amount, err = decimal.NewFromString(raw)
	}
	if err != nil {
		logger.Warn("event amount failed integrity check", "event_id", rec.ID, "user_id", rec.UserID, "error", err)
		e.Amount = decimal.Zero
		e.AmountUnavailable = true
	}
	return e
}
