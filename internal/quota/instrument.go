package quota

import (
	"context"
	"errors"
	"time"

	"botgate.io/internal/obs"
)

// Instrumented counts ledger operations by outcome.
type Instrumented struct {
	Ledger
	// Source labels committed tokens (proxy, telemetry).
	Source string
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientQuota):
		return "insufficient"
	case errors.Is(err, ErrQuotaOverflow):
		return "overflow"
	default:
		return "error"
	}
}

func (i Instrumented) ReserveAndCommit(ctx context.Context, s Scope, amount int64, a Action) (UsageRecord, Balance, error) {
	rec, bal, err := i.Ledger.ReserveAndCommit(ctx, s, amount, a)
	obs.LedgerOperations.WithLabelValues("commit", result(err)).Inc()
	if err == nil && amount > 0 {
		obs.TokensConsumed.WithLabelValues(i.Source).Add(float64(amount))
	}
	return rec, bal, err
}

func (i Instrumented) Reserve(ctx context.Context, s Scope, amount int64, ttl time.Duration) (Reservation, Balance, error) {
	r, bal, err := i.Ledger.Reserve(ctx, s, amount, ttl)
	obs.LedgerOperations.WithLabelValues("reserve", result(err)).Inc()
	return r, bal, err
}

func (i Instrumented) Settle(ctx context.Context, r Reservation, actual int64, a Action) (UsageRecord, Balance, error) {
	rec, bal, err := i.Ledger.Settle(ctx, r, actual, a)
	obs.LedgerOperations.WithLabelValues("settle", result(err)).Inc()
	if err == nil && actual > 0 {
		obs.TokensConsumed.WithLabelValues(i.Source).Add(float64(actual))
	}
	return rec, bal, err
}

func (i Instrumented) Release(ctx context.Context, r Reservation) error {
	err := i.Ledger.Release(ctx, r)
	obs.LedgerOperations.WithLabelValues("release", result(err)).Inc()
	return err
}

func (i Instrumented) Reset(ctx context.Context, s Scope) (Balance, error) {
	bal, err := i.Ledger.Reset(ctx, s)
	obs.LedgerOperations.WithLabelValues("reset", result(err)).Inc()
	return bal, err
}
