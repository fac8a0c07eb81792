package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var scopeA = Scope{UserID: "u1", TenantID: "t1", BotID: "b1"}

func TestInMemoryConcurrentCommitsNeverExceedLimit(t *testing.T) {
	l := NewInMemory(StaticLimit(100))
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, refused atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.ReserveAndCommit(ctx, scopeA, 30, Action{Type: "test"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientQuota):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 || refused.Load() != 7 {
		t.Fatalf("ok=%d refused=%d, want 3/7", ok.Load(), refused.Load())
	}
	bal, err := l.Balance(ctx, scopeA)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Used != 90 || bal.Remaining() != 10 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	recs, _ := l.Records(ctx, scopeA, 0)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
}

func TestInMemoryInsufficientCarriesBalance(t *testing.T) {
	l := NewInMemory(StaticLimit(10))
	_, _, err := l.ReserveAndCommit(context.Background(), scopeA, 11, Action{})
	var qe *Error
	if !errors.As(err, &qe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if qe.Requested != 11 || qe.Balance.Limit != 10 || qe.Balance.Remaining() != 10 {
		t.Fatalf("unexpected error detail %+v", qe)
	}
}

func TestInMemoryZeroAmountOnlyTouches(t *testing.T) {
	l := NewInMemory(StaticLimit(10))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	rec, bal, err := l.ReserveAndCommit(context.Background(), scopeA, 0, Action{Type: "ping"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rec.ID != "" || bal.Used != 0 || !bal.LastUsedAt.Equal(now) {
		t.Fatalf("zero commit changed state: rec=%+v bal=%+v", rec, bal)
	}
	recs, _ := l.Records(context.Background(), scopeA, 10)
	if len(recs) != 0 {
		t.Fatalf("zero commit appended %d records", len(recs))
	}
}

func TestInMemoryRejectsNegativeAndInvalidScope(t *testing.T) {
	l := NewInMemory(StaticLimit(10))
	if _, _, err := l.ReserveAndCommit(context.Background(), scopeA, -1, Action{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := l.ReserveAndCommit(context.Background(), Scope{}, 1, Action{}); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestInMemoryReserveSettle(t *testing.T) {
	l := NewInMemory(StaticLimit(100))
	ctx := context.Background()

	r, bal, err := l.Reserve(ctx, scopeA, 60, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if bal.Reserved != 60 || bal.Remaining() != 40 {
		t.Fatalf("reservation not counted: %+v", bal)
	}
	if _, _, err := l.ReserveAndCommit(ctx, scopeA, 50, Action{}); !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("reserved amount must count against remaining, got %v", err)
	}

	rec, bal, err := l.Settle(ctx, r, 25, Action{Type: "proxy"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.TokensUsed != 25 || bal.Used != 25 || bal.Reserved != 0 {
		t.Fatalf("unexpected settle result rec=%+v bal=%+v", rec, bal)
	}
}

func TestInMemorySettleAboveReservedWhenBalanceAllows(t *testing.T) {
	l := NewInMemory(StaticLimit(100))
	ctx := context.Background()
	r, _, err := l.Reserve(ctx, scopeA, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, bal, err := l.Settle(ctx, r, 80, Action{})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if bal.Used != 80 {
		t.Fatalf("used = %d, want 80", bal.Used)
	}
}

func TestInMemorySettleOverflowCommitsNothing(t *testing.T) {
	l := NewInMemory(StaticLimit(100))
	ctx := context.Background()
	r, _, err := l.Reserve(ctx, scopeA, 50, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, err := l.ReserveAndCommit(ctx, scopeA, 45, Action{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, bal, err := l.Settle(ctx, r, 70, Action{})
	if !errors.Is(err, ErrQuotaOverflow) {
		t.Fatalf("expected ErrQuotaOverflow, got %v", err)
	}
	if bal.Used != 45 || bal.Reserved != 0 {
		t.Fatalf("overflow must not commit: %+v", bal)
	}
}

func TestInMemoryReleaseAndExpiry(t *testing.T) {
	l := NewInMemory(StaticLimit(100))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	r, _, err := l.Reserve(ctx, scopeA, 40, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("release: %v", err)
	}
	if bal, _ := l.Balance(ctx, scopeA); bal.Reserved != 0 {
		t.Fatalf("release left %d reserved", bal.Reserved)
	}

	if _, _, err := l.Reserve(ctx, scopeA, 90, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if bal, _ := l.Balance(ctx, scopeA); bal.Reserved != 0 || bal.Remaining() != 100 {
		t.Fatalf("expired reservation still held: %+v", bal)
	}
}

func TestInMemoryResetAndSetLimit(t *testing.T) {
	l := NewInMemory(StaticLimit(50))
	ctx := context.Background()
	if _, _, err := l.ReserveAndCommit(ctx, scopeA, 50, Action{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bal, _ := l.Balance(ctx, scopeA); bal.Remaining() != 0 {
		t.Fatalf("expected exhausted scope, got %+v", bal)
	}

	bal, err := l.SetLimit(ctx, scopeA, 80)
	if err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if bal.Limit != 80 || bal.Remaining() != 30 {
		t.Fatalf("override not applied: %+v", bal)
	}
	if _, err := l.SetLimit(ctx, scopeA, -1); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}

	bal, err = l.Reset(ctx, scopeA)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if bal.Used != 0 || bal.Limit != 80 {
		t.Fatalf("unexpected balance after reset %+v", bal)
	}
}

func TestInMemoryRecordsNewestFirst(t *testing.T) {
	l := NewInMemory(StaticLimit(1000))
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, _, err := l.ReserveAndCommit(ctx, scopeA, i, Action{Type: "t"}); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	recs, err := l.Records(ctx, scopeA, 2)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 || recs[0].TokensUsed != 3 || recs[1].TokensUsed != 2 {
		t.Fatalf("unexpected records %+v", recs)
	}
}
