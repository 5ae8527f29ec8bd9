package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"lime_farm/internal/domain"
)

// ErrReferralCodeTaken is returned by Insert when the generated referral code
// already belongs to another ledger. Callers retry with a fresh code.
var ErrReferralCodeTaken = errors.New("referral code already taken")

// Memory keeps encoded records in process. It runs every transaction under a
// single mutex and undoes its writes from a snapshot on failure.
type Memory struct {
	mu      sync.Mutex
	codec   *Codec
	records map[string]*Record
	lookup  map[string]string
	events  map[string][]*EventRecord
}

func NewMemory(codec *Codec) *Memory {
	return &Memory{
		codec:   codec,
		records: make(map[string]*Record),
		lookup:  make(map[string]string),
		events:  make(map[string][]*EventRecord),
	}
}

func (m *Memory) view() *memoryView { return &memoryView{m: m} }

func (m *Memory) Get(ctx context.Context, userID string) (*domain.UserLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Get(ctx, userID)
}

func (m *Memory) GetForUpdate(ctx context.Context, userID string) (*domain.UserLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetForUpdate(ctx, userID)
}

func (m *Memory) Insert(ctx context.Context, l *domain.UserLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Insert(ctx, l)
}

func (m *Memory) Save(ctx context.Context, l *domain.UserLedger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Save(ctx, l)
}

func (m *Memory) FindByReferralCode(ctx context.Context, code string) (*domain.UserLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().FindByReferralCode(ctx, code)
}

func (m *Memory) ReferrerOf(ctx context.Context, userID string) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ReferrerOf(ctx, userID)
}

func (m *Memory) UpdateFields(ctx context.Context, userID string, filter FieldFilter, patch FieldPatch) (*domain.UserLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateFields(ctx, userID, filter, patch)
}

func (m *Memory) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListStaleSessions(ctx, cutoff, limit)
}

func (m *Memory) AppendEvent(ctx context.Context, e *domain.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AppendEvent(ctx, e)
}

func (m *Memory) ListEvents(ctx context.Context, userID string, limit int) ([]domain.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListEvents(ctx, userID, limit)
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WithTx runs fn with the store locked. Writes are applied in place and
// undone from a snapshot if fn fails or panics.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, s LedgerStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	committed := false
	defer func() {
		if !committed {
			m.restore(snap)
		}
	}()

	if err := fn(ctx, m.view()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

type memorySnapshot struct {
	records map[string]*Record
	lookup  map[string]string
	events  map[string][]*EventRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		records: make(map[string]*Record, len(m.records)),
		lookup:  make(map[string]string, len(m.lookup)),
		events:  make(map[string][]*EventRecord, len(m.events)),
	}
	for k, v := range m.records {
		s.records[k] = v.clone()
	}
	for k, v := range m.lookup {
		s.lookup[k] = v
	}
	for k, v := range m.events {
		s.events[k] = append([]*EventRecord{}, v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.records = s.records
	m.lookup = s.lookup
	m.events = s.events
}

// memoryView implements LedgerStore on the parent's maps. The caller holds m.mu.
type memoryView struct {
	m *Memory
}

func (v *memoryView) Get(ctx context.Context, userID string) (*domain.UserLedger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := v.m.records[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return v.m.codec.Decode(rec), nil
}

func (v *memoryView) GetForUpdate(ctx context.Context, userID string) (*domain.UserLedger, error) {
	return v.Get(ctx, userID)
}

func (v *memoryView) Insert(ctx context.Context, l *domain.UserLedger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := v.m.records[l.UserID]; ok {
		return domain.ErrDuplicateUser
	}
	rec, err := v.m.codec.Encode(l)
	if err != nil {
		return err
	}
	if rec.ReferralLookup != "" {
		if _, taken := v.m.lookup[rec.ReferralLookup]; taken {
			return ErrReferralCodeTaken
		}
		v.m.lookup[rec.ReferralLookup] = rec.UserID
	}
	v.m.records[rec.UserID] = rec
	return nil
}

func (v *memoryView) Save(ctx context.Context, l *domain.UserLedger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev, ok := v.m.records[l.UserID]
	if !ok {
		return domain.ErrUserNotFound
	}
	rec, err := v.m.codec.Encode(l)
	if err != nil {
		return err
	}
	if rec.ReferralCode.IsZero() {
		rec.ReferralCode = prev.ReferralCode
		rec.ReferralLookup = prev.ReferralLookup
	} else if rec.ReferralLookup != prev.ReferralLookup {
		if owner, taken := v.m.lookup[rec.ReferralLookup]; taken && owner != l.UserID {
			return ErrReferralCodeTaken
		}
		delete(v.m.lookup, prev.ReferralLookup)
		v.m.lookup[rec.ReferralLookup] = l.UserID
	}
	if rec.TotalEarnings.IsZero() {
		rec.TotalEarnings = prev.TotalEarnings
	}
	if rec.ReferredUsers.IsZero() {
		rec.ReferredUsers = prev.ReferredUsers
	}
	v.m.records[l.UserID] = rec
	return nil
}

func (v *memoryView) FindByReferralCode(ctx context.Context, code string) (*domain.UserLedger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	userID, ok := v.m.lookup[v.m.codec.LookupKey(code)]
	if !ok {
		return nil, domain.ErrInvalidReferralCode
	}
	return v.Get(ctx, userID)
}

func (v *memoryView) ReferrerOf(ctx context.Context, userID string) (*string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := v.m.records[userID]
	if !ok || rec.ReferrerID == nil {
		return nil, nil
	}
	id := *rec.ReferrerID
	return &id, nil
}

func (v *memoryView) UpdateFields(ctx context.Context, userID string, filter FieldFilter, patch FieldPatch) (*domain.UserLedger, error) {
	l, err := v.Get(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrConflictOrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !filter.Match(l) {
		return nil, domain.ErrConflictOrNotFound
	}
	if err := patch.Apply(l); err != nil {
		return nil, err
	}
	if err := v.Save(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (v *memoryView) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type stale struct {
		id      string
		started time.Time
	}
	var found []stale
	for id, rec := range v.m.records {
		if rec.SessionStartedAt != nil && !rec.SessionStartedAt.After(cutoff) {
			found = append(found, stale{id: id, started: *rec.SessionStartedAt})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].started.Equal(found[j].started) {
			return found[i].id < found[j].id
		}
		return found[i].started.Before(found[j].started)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, s := range found {
		ids[i] = s.id
	}
	return ids, nil
}

func (v *memoryView) AppendEvent(ctx context.Context, e *domain.LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := v.m.codec.EncodeEvent(e)
	if err != nil {
		return err
	}
	v.m.events[e.UserID] = append(v.m.events[e.UserID], rec)
	return nil
}

// ListEvents returns the newest events first.
func (v *memoryView) ListEvents(ctx context.Context, userID string, limit int) ([]domain.LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := v.m.events[userID]
	out := make([]domain.LedgerEvent, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, v.m.codec.DecodeEvent(all[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
