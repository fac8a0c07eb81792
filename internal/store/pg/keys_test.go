package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"botgate.io/internal/keystore"
)

func TestKeyRepositoryActiveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select kid, private_pem, public_pem, created_at, expires_at, status.*from signing_keys").WillReturnError(sql.ErrNoRows)
	if _, err := NewKeyRepository(db).Active(context.Background()); !errors.Is(err, keystore.ErrNoActiveKey) {
		t.Fatalf("expected ErrNoActiveKey, got %v", err)
	}
}

func TestKeyStoreBootstrapsThroughRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select kid, private_pem, public_pem, created_at, expires_at, status.*from signing_keys").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("update signing_keys set status = 'retired'").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into signing_keys").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store, err := keystore.New(context.Background(), NewKeyRepository(db), keystore.WithSigningTTL(time.Hour))
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	defer store.Close()

	key, err := store.SigningKey(context.Background())
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if key.Kid == "" || key.Private == nil {
		t.Fatalf("unexpected signing key %+v", key)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
