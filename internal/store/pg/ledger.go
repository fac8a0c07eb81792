package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"botgate.io/internal/ids"
	"botgate.io/internal/quota"
)

// Ledger is a quota.Ledger whose check-and-write runs inside one transaction holding a
// row lock on the scope's account, so concurrent commits on a scope are serialized.
type Ledger struct {
	db     *sql.DB
	limits quota.LimitResolver
	now    func() time.Time
}

var _ quota.Ledger = (*Ledger)(nil)

func NewLedger(db *sql.DB, limits quota.LimitResolver) *Ledger {
	if limits == nil {
		limits = quota.StaticLimit(0)
	}
	return &Ledger{db: db, limits: limits, now: time.Now}
}

// Ledger returns a quota ledger sharing the store's pool.
func (s *Store) Ledger(limits quota.LimitResolver) *Ledger { return NewLedger(s.db, limits) }

func (l *Ledger) resolve(ctx context.Context, s quota.Scope) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	return l.limits.Limit(ctx, s)
}

// lock creates the account row if needed, locks it, reclaims expired reservations and
// returns the balance as seen under the lock.
func (l *Ledger) lock(ctx context.Context, tx *sql.Tx, s quota.Scope, resolved int64, now time.Time) (quota.Balance, error) {
	if _, err := tx.ExecContext(ctx, `
		insert into quota_accounts(user_id, tenant_id, bot_id) values ($1,$2,$3)
		on conflict do nothing
	`, s.UserID, s.TenantID, s.BotID); err != nil {
		return quota.Balance{}, err
	}

	var (
		override sql.NullInt64
		lastUsed sql.NullTime
		bal      quota.Balance
	)
	if err := tx.QueryRowContext(ctx, `
		select limit_override, used, last_used_at from quota_accounts
		where user_id=$1 and tenant_id=$2 and bot_id=$3 for update
	`, s.UserID, s.TenantID, s.BotID).Scan(&override, &bal.Used, &lastUsed); err != nil {
		return quota.Balance{}, err
	}
	bal.Limit = resolved
	if override.Valid {
		bal.Limit = override.Int64
	}
	if lastUsed.Valid {
		bal.LastUsedAt = lastUsed.Time.UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		delete from quota_reservations
		where user_id=$1 and tenant_id=$2 and bot_id=$3 and expires_at <= $4
	`, s.UserID, s.TenantID, s.BotID, now); err != nil {
		return quota.Balance{}, err
	}
	if err := tx.QueryRowContext(ctx, `
		select coalesce(sum(amount),0) from quota_reservations
		where user_id=$1 and tenant_id=$2 and bot_id=$3
	`, s.UserID, s.TenantID, s.BotID).Scan(&bal.Reserved); err != nil {
		return quota.Balance{}, err
	}
	return bal, nil
}

func (l *Ledger) commit(ctx context.Context, tx *sql.Tx, s quota.Scope, amount int64, act quota.Action, now time.Time) (quota.UsageRecord, error) {
	if _, err := tx.ExecContext(ctx, `
		update quota_accounts set used = used + $4, last_used_at = $5
		where user_id=$1 and tenant_id=$2 and bot_id=$3
	`, s.UserID, s.TenantID, s.BotID, amount, now); err != nil {
		return quota.UsageRecord{}, err
	}
	rec := quota.UsageRecord{
		ID:         ids.WithPrefix(ids.PrefixUsage),
		Scope:      s,
		TokensUsed: amount,
		ActionType: act.Type,
		Metadata:   act.Metadata,
		CreatedAt:  now.UTC(),
	}
	meta, _ := json.Marshal(rec.Metadata)
	if _, err := tx.ExecContext(ctx, `
		insert into usage_records(id, user_id, tenant_id, bot_id, tokens_used, action_type, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, s.UserID, s.TenantID, s.BotID, amount, act.Type, meta, rec.CreatedAt); err != nil {
		return quota.UsageRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) touch(ctx context.Context, tx *sql.Tx, s quota.Scope, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		update quota_accounts set last_used_at = $4
		where user_id=$1 and tenant_id=$2 and bot_id=$3
	`, s.UserID, s.TenantID, s.BotID, now)
	return err
}

func (l *Ledger) Balance(ctx context.Context, s quota.Scope) (quota.Balance, error) {
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return quota.Balance{}, err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Balance{}, err
	}
	defer func() { _ = tx.Rollback() }()
	bal, err := l.lock(ctx, tx, s, resolved, l.now())
	if err != nil {
		return quota.Balance{}, err
	}
	return bal, tx.Commit()
}

func (l *Ledger) ReserveAndCommit(ctx context.Context, s quota.Scope, amount int64, act quota.Action) (quota.UsageRecord, quota.Balance, error) {
	if amount < 0 {
		return quota.UsageRecord{}, quota.Balance{}, quota.ErrInvalidAmount
	}
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now()
	bal, err := l.lock(ctx, tx, s, resolved, now)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	if amount == 0 {
		if err := l.touch(ctx, tx, s, now); err != nil {
			return quota.UsageRecord{}, quota.Balance{}, err
		}
		bal.LastUsedAt = now.UTC()
		return quota.UsageRecord{}, bal, tx.Commit()
	}
	if amount > bal.Remaining() {
		return quota.UsageRecord{}, bal, &quota.Error{Err: quota.ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	rec, err := l.commit(ctx, tx, s, amount, act, now)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	bal.Used += amount
	bal.LastUsedAt = now.UTC()
	return rec, bal, nil
}

func (l *Ledger) Reserve(ctx context.Context, s quota.Scope, amount int64, ttl time.Duration) (quota.Reservation, quota.Balance, error) {
	if amount <= 0 || ttl <= 0 {
		return quota.Reservation{}, quota.Balance{}, quota.ErrInvalidAmount
	}
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return quota.Reservation{}, quota.Balance{}, err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Reservation{}, quota.Balance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now()
	bal, err := l.lock(ctx, tx, s, resolved, now)
	if err != nil {
		return quota.Reservation{}, quota.Balance{}, err
	}
	if amount > bal.Remaining() {
		return quota.Reservation{}, bal, &quota.Error{Err: quota.ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	r := quota.Reservation{ID: ids.WithPrefix(ids.PrefixReservation), Scope: s, Amount: amount, ExpiresAt: now.Add(ttl).UTC()}
	if _, err := tx.ExecContext(ctx, `
		insert into quota_reservations(id, user_id, tenant_id, bot_id, amount, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, r.ID, s.UserID, s.TenantID, s.BotID, amount, r.ExpiresAt); err != nil {
		return quota.Reservation{}, quota.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.Reservation{}, quota.Balance{}, err
	}
	bal.Reserved += amount
	return r, bal, nil
}

func (l *Ledger) Settle(ctx context.Context, r quota.Reservation, actual int64, act quota.Action) (quota.UsageRecord, quota.Balance, error) {
	if actual < 0 {
		return quota.UsageRecord{}, quota.Balance{}, quota.ErrInvalidAmount
	}
	s := r.Scope
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now()
	if _, err := tx.ExecContext(ctx, `delete from quota_reservations where id=$1`, r.ID); err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	bal, err := l.lock(ctx, tx, s, resolved, now)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	if actual > bal.Remaining() {
		// The reservation stays released; the caller reports the inconsistency.
		if err := tx.Commit(); err != nil {
			return quota.UsageRecord{}, quota.Balance{}, err
		}
		return quota.UsageRecord{}, bal, &quota.Error{Err: quota.ErrQuotaOverflow, Balance: bal, Requested: actual}
	}
	if actual == 0 {
		if err := l.touch(ctx, tx, s, now); err != nil {
			return quota.UsageRecord{}, quota.Balance{}, err
		}
		bal.LastUsedAt = now.UTC()
		return quota.UsageRecord{}, bal, tx.Commit()
	}
	rec, err := l.commit(ctx, tx, s, actual, act, now)
	if err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	if err := tx.Commit(); err != nil {
		return quota.UsageRecord{}, quota.Balance{}, err
	}
	bal.Used += actual
	bal.LastUsedAt = now.UTC()
	return rec, bal, nil
}

func (l *Ledger) Release(ctx context.Context, r quota.Reservation) error {
	_, err := l.db.ExecContext(ctx, `delete from quota_reservations where id=$1`, r.ID)
	return err
}

func (l *Ledger) Touch(ctx context.Context, s quota.Scope) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		insert into quota_accounts(user_id, tenant_id, bot_id, last_used_at) values ($1,$2,$3,$4)
		on conflict (user_id, tenant_id, bot_id) do update set last_used_at = excluded.last_used_at
	`, s.UserID, s.TenantID, s.BotID, l.now())
	return err
}

func (l *Ledger) Reset(ctx context.Context, s quota.Scope) (quota.Balance, error) {
	return l.update(ctx, s, `update quota_accounts set used = 0 where user_id=$1 and tenant_id=$2 and bot_id=$3`)
}

func (l *Ledger) SetLimit(ctx context.Context, s quota.Scope, limit int64) (quota.Balance, error) {
	if limit < 0 {
		return quota.Balance{}, quota.ErrInvalidLimit
	}
	return l.update(ctx, s,
		`update quota_accounts set limit_override = $4 where user_id=$1 and tenant_id=$2 and bot_id=$3`, limit)
}

func (l *Ledger) update(ctx context.Context, s quota.Scope, stmt string, extra ...any) (quota.Balance, error) {
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return quota.Balance{}, err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Balance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := l.now()
	if _, err := l.lock(ctx, tx, s, resolved, now); err != nil {
		return quota.Balance{}, err
	}
	args := append([]any{s.UserID, s.TenantID, s.BotID}, extra...)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return quota.Balance{}, err
	}
	bal, err := l.lock(ctx, tx, s, resolved, now)
	if err != nil {
		return quota.Balance{}, err
	}
	return bal, tx.Commit()
}

func (l *Ledger) Records(ctx context.Context, s quota.Scope, n int) ([]quota.UsageRecord, error) {
	if n <= 0 || n > 1000 {
		n = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		select id, tokens_used, action_type, metadata, created_at from usage_records
		where user_id=$1 and tenant_id=$2 and bot_id=$3
		order by created_at desc, id desc
		limit $4
	`, s.UserID, s.TenantID, s.BotID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []quota.UsageRecord
	for rows.Next() {
		rec := quota.UsageRecord{Scope: s}
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.TokensUsed, &rec.ActionType, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &rec.Metadata)
		res = append(res, rec)
	}
	return res, rows.Err()
}
