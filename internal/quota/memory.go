package quota

import (
	"context"
	"sync"
	"time"

	"botgate.io/internal/ids"
)

const maxRecordsPerScope = 1000

type account struct {
	override     int64
	hasOverride  bool
	used         int64
	lastUsed     time.Time
	reservations map[string]Reservation
	records      []UsageRecord
}

// InMemory is a Ledger for a single process. All mutations of a scope happen under one
// mutex, so check and write can never interleave with another request.
type InMemory struct {
	mu       sync.Mutex
	accounts map[Scope]*account
	limits   LimitResolver
	now      func() time.Time
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates an empty ledger. A nil resolver means a zero limit.
func NewInMemory(limits LimitResolver) *InMemory {
	if limits == nil {
		limits = StaticLimit(0)
	}
	return &InMemory{
		accounts: make(map[Scope]*account),
		limits:   limits,
		now:      time.Now,
	}
}

func (m *InMemory) acc(s Scope) *account {
	a, ok := m.accounts[s]
	if !ok {
		a = &account{reservations: make(map[string]Reservation)}
		m.accounts[s] = a
	}
	return a
}

// reserved drops expired reservations and sums the rest.
func (a *account) reserved(now time.Time) int64 {
	var total int64
	for id, r := range a.reservations {
		if !now.Before(r.ExpiresAt) {
			delete(a.reservations, id)
			continue
		}
		total += r.Amount
	}
	return total
}

func (a *account) limit(resolved int64) int64 {
	if a.hasOverride {
		return a.override
	}
	return resolved
}

func (a *account) balance(resolved int64, now time.Time) Balance {
	return Balance{Limit: a.limit(resolved), Used: a.used, Reserved: a.reserved(now), LastUsedAt: a.lastUsed}
}

func (a *account) append(rec UsageRecord) {
	a.records = append(a.records, rec)
	if n := len(a.records); n > maxRecordsPerScope {
		a.records = append([]UsageRecord(nil), a.records[n-maxRecordsPerScope:]...)
	}
}

func (m *InMemory) resolve(ctx context.Context, s Scope) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	return m.limits.Limit(ctx, s)
}

func (m *InMemory) Balance(ctx context.Context, s Scope) (Balance, error) {
	limit, err := m.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acc(s).balance(limit, m.now()), nil
}

func (m *InMemory) ReserveAndCommit(ctx context.Context, s Scope, amount int64, act Action) (UsageRecord, Balance, error) {
	if err := checkAmount(amount); err != nil {
		return UsageRecord{}, Balance{}, err
	}
	limit, err := m.resolve(ctx, s)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a := m.acc(s)
	bal := a.balance(limit, now)
	if amount == 0 {
		a.lastUsed = now
		bal.LastUsedAt = now
		return UsageRecord{}, bal, nil
	}
	if amount > bal.Remaining() {
		return UsageRecord{}, bal, &Error{Err: ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	rec := m.commitLocked(a, s, amount, act, now)
	return rec, a.balance(limit, now), nil
}

func (m *InMemory) commitLocked(a *account, s Scope, amount int64, act Action, now time.Time) UsageRecord {
	a.used += amount
	a.lastUsed = now
	rec := UsageRecord{
		ID:         ids.WithPrefix(ids.PrefixUsage),
		Scope:      s,
		TokensUsed: amount,
		ActionType: act.Type,
		Metadata:   cloneMeta(act.Metadata),
		CreatedAt:  now.UTC(),
	}
	a.append(rec)
	return rec
}

func (m *InMemory) Reserve(ctx context.Context, s Scope, amount int64, ttl time.Duration) (Reservation, Balance, error) {
	if amount <= 0 || ttl <= 0 {
		return Reservation{}, Balance{}, ErrInvalidAmount
	}
	limit, err := m.resolve(ctx, s)
	if err != nil {
		return Reservation{}, Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a := m.acc(s)
	bal := a.balance(limit, now)
	if amount > bal.Remaining() {
		return Reservation{}, bal, &Error{Err: ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	r := Reservation{ID: ids.WithPrefix(ids.PrefixReservation), Scope: s, Amount: amount, ExpiresAt: now.Add(ttl)}
	a.reservations[r.ID] = r
	bal.Reserved += amount
	return r, bal, nil
}

func (m *InMemory) Settle(ctx context.Context, r Reservation, actual int64, act Action) (UsageRecord, Balance, error) {
	if err := checkAmount(actual); err != nil {
		return UsageRecord{}, Balance{}, err
	}
	limit, err := m.resolve(ctx, r.Scope)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	a := m.acc(r.Scope)
	delete(a.reservations, r.ID)
	bal := a.balance(limit, now)
	if actual > bal.Remaining() {
		return UsageRecord{}, bal, &Error{Err: ErrQuotaOverflow, Balance: bal, Requested: actual}
	}
	if actual == 0 {
		a.lastUsed = now
		bal.LastUsedAt = now
		return UsageRecord{}, bal, nil
	}
	rec := m.commitLocked(a, r.Scope, actual, act, now)
	return rec, a.balance(limit, now), nil
}

func (m *InMemory) Release(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[r.Scope]; ok {
		delete(a.reservations, r.ID)
	}
	return nil
}

func (m *InMemory) Touch(_ context.Context, s Scope) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acc(s).lastUsed = m.now()
	return nil
}

func (m *InMemory) Reset(ctx context.Context, s Scope) (Balance, error) {
	limit, err := m.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acc(s)
	a.used = 0
	return a.balance(limit, m.now()), nil
}

func (m *InMemory) SetLimit(ctx context.Context, s Scope, limit int64) (Balance, error) {
	if limit < 0 {
		return Balance{}, ErrInvalidLimit
	}
	resolved, err := m.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acc(s)
	a.override, a.hasOverride = limit, true
	return a.balance(resolved, m.now()), nil
}

func (m *InMemory) Records(_ context.Context, s Scope, n int) ([]UsageRecord, error) {
	if n <= 0 || n > maxRecordsPerScope {
		n = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[s]
	if !ok {
		return nil, nil
	}
	out := make([]UsageRecord, 0, min(n, len(a.records)))
	for i := len(a.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.records[i])
	}
	return out, nil
}
