package quota

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrInsufficientQuota is returned when an amount does not fit the remaining balance.
	ErrInsufficientQuota = errors.New("quota: insufficient balance")
	// ErrQuotaOverflow is returned by Settle when measured usage no longer fits because a
	// concurrent request consumed the balance. Nothing is committed.
	ErrQuotaOverflow  = errors.New("quota: measured usage exceeds remaining balance")
	ErrInvalidAmount = errors.New("quota: invalid amount")
	ErrInvalidScope  = errors.New("quota: invalid scope")
	ErrInvalidLimit  = errors.New("quota: invalid limit")
)

// Scope identifies a usage account. BotID may be empty for tenant-wide accounting.
type Scope struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

func (s Scope) Validate() error {
	if s.UserID == "" {
		return ErrInvalidScope
	}
	return nil
}

// Key is a stable storage key for the scope.
func (s Scope) Key() string {
	return url.QueryEscape(s.UserID) + "|" + url.QueryEscape(s.TenantID) + "|" + url.QueryEscape(s.BotID)
}

// Balance is the state of a scope at one instant.
type Balance struct {
	Limit      int64     `json:"limit"`
	Used       int64     `json:"used"`
	Reserved   int64     `json:"reserved"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Remaining is the amount that can still be reserved or committed.
func (b Balance) Remaining() int64 {
	r := b.Limit - b.Used - b.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// Action describes what consumed the tokens.
type Action struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UsageRecord is an append-only ledger entry.
type UsageRecord struct {
	ID         string            `json:"id"`
	Scope      Scope             `json:"scope"`
	TokensUsed int64             `json:"tokens_used"`
	ActionType string            `json:"action_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Reservation holds quota for an in-flight request until it is settled or released.
type Reservation struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Error carries the balance observed when an amount was refused.
type Error struct {
	Err       error
	Balance   Balance
	Requested int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: requested %d, remaining %d", e.Err, e.Requested, e.Balance.Remaining())
}

func (e *Error) Unwrap() error { return e.Err }

// Ledger is the only path through which usage is mutated. Every method is atomic with
// respect to concurrent calls on the same scope: the sum of committed usage never exceeds
// the limit in force when the commit happens.
type Ledger interface {
	// Balance reads the current limit, usage and outstanding reservations.
	Balance(ctx context.Context, s Scope) (Balance, error)
	// ReserveAndCommit appends a record of amount if it fits. A zero amount only updates
	// last-used metadata and returns a zero record.
	ReserveAndCommit(ctx context.Context, s Scope, amount int64, a Action) (UsageRecord, Balance, error)
	// Reserve holds amount until Settle, Release or ttl expiry.
	Reserve(ctx context.Context, s Scope, amount int64, ttl time.Duration) (Reservation, Balance, error)
	// Settle drops the reservation and commits actual in one step. When actual no longer
	// fits, it commits nothing and returns ErrQuotaOverflow.
	Settle(ctx context.Context, r Reservation, actual int64, a Action) (UsageRecord, Balance, error)
	// Release drops a reservation without committing anything. Unknown ids are ignored.
	Release(ctx context.Context, r Reservation) error
	// Touch updates last-used metadata without consuming quota.
	Touch(ctx context.Context, s Scope) error
	// Reset zeroes the usage counter. Callers must hold the super-admin capability.
	Reset(ctx context.Context, s Scope) (Balance, error)
	// SetLimit overrides the resolved limit for the scope.
	SetLimit(ctx context.Context, s Scope, limit int64) (Balance, error)
	// Records returns up to n most recent records, newest first.
	Records(ctx context.Context, s Scope, n int) ([]UsageRecord, error)
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
