package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"botgate.io/internal/quota"
)

var scope = quota.Scope{UserID: "u1", TenantID: "t1", BotID: "b1"}

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l := NewLedger(db, quota.StaticLimit(100))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, mock
}

func expectLock(mock sqlmock.Sqlmock, override any, used, reserved int64) {
	mock.ExpectExec("insert into quota_accounts").WithArgs("u1", "t1", "b1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select limit_override, used, last_used_at from quota_accounts").
		WithArgs("u1", "t1", "b1").
		WillReturnRows(sqlmock.NewRows([]string{"limit_override", "used", "last_used_at"}).AddRow(override, used, nil))
	mock.ExpectExec("delete from quota_reservations").WithArgs("u1", "t1", "b1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select coalesce").WithArgs("u1", "t1", "b1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(reserved))
}

func TestLedgerReserveAndCommit(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	expectLock(mock, nil, int64(10), int64(0))
	mock.ExpectExec("update quota_accounts set used = used").WithArgs("u1", "t1", "b1", int64(30), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into usage_records").
		WithArgs(sqlmock.AnyArg(), "u1", "t1", "b1", int64(30), "message", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, bal, err := l.ReserveAndCommit(context.Background(), scope, 30, quota.Action{Type: "message"})
	if err != nil {
		t.Fatalf("ReserveAndCommit: %v", err)
	}
	if rec.TokensUsed != 30 || bal.Used != 40 || bal.Remaining() != 60 {
		t.Fatalf("unexpected result rec=%+v bal=%+v", rec, bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerRefusesOverLimitWithoutWriting(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	expectLock(mock, nil, int64(80), int64(10))
	mock.ExpectRollback()

	_, bal, err := l.ReserveAndCommit(context.Background(), scope, 11, quota.Action{})
	if !errors.Is(err, quota.ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}
	if bal.Remaining() != 10 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerOverrideLimit(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	expectLock(mock, int64(500), int64(200), int64(0))
	mock.ExpectCommit()

	bal, err := l.Balance(context.Background(), scope)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Limit != 500 || bal.Remaining() != 300 {
		t.Fatalf("override ignored: %+v", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerSettleOverflowCommitsNothing(t *testing.T) {
	l, mock := newLedger(t)
	r := quota.Reservation{ID: "rsv_1", Scope: scope, Amount: 20}

	mock.ExpectBegin()
	mock.ExpectExec("delete from quota_reservations where id").WithArgs("rsv_1").WillReturnResult(sqlmock.NewResult(0, 1))
	expectLock(mock, nil, int64(95), int64(0))
	mock.ExpectCommit()

	_, _, err := l.Settle(context.Background(), r, 6, quota.Action{})
	if !errors.Is(err, quota.ErrQuotaOverflow) {
		t.Fatalf("expected ErrQuotaOverflow, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerReserve(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	expectLock(mock, nil, int64(0), int64(0))
	mock.ExpectExec("insert into quota_reservations").
		WithArgs(sqlmock.AnyArg(), "u1", "t1", "b1", int64(40), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r, bal, err := l.Reserve(context.Background(), scope, 40, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r.ID == "" || bal.Reserved != 40 {
		t.Fatalf("unexpected reservation %+v balance %+v", r, bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerReset(t *testing.T) {
	l, mock := newLedger(t)

	mock.ExpectBegin()
	expectLock(mock, nil, int64(70), int64(0))
	mock.ExpectExec("update quota_accounts set used = 0").WithArgs("u1", "t1", "b1").WillReturnResult(sqlmock.NewResult(0, 1))
	expectLock(mock, nil, int64(0), int64(0))
	mock.ExpectCommit()

	bal, err := l.Reset(context.Background(), scope)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if bal.Used != 0 {
		t.Fatalf("usage not reset: %+v", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerRejectsNegativeAmount(t *testing.T) {
	l, _ := newLedger(t)
	if _, _, err := l.ReserveAndCommit(context.Background(), scope, -5, quota.Action{}); !errors.Is(err, quota.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
