package main

import (
	"context"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"botgate.io/internal/migrate"
)

func TestCommandsListRecordedAndPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a(id int);")},
		"0002_b.up.sql": {Data: []byte("create table b(id int);")},
	}
	m := migrate.NewManager(db, migrate.WithSources(src, fstest.MapFS{}))

	for range 2 {
		mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select name from schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	}

	ctx := context.Background()
	status, err := commands["status"](ctx, m)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !slices.Equal(status, []string{"0001_a.up.sql"}) {
		t.Fatalf("unexpected status %q", status)
	}
	pending, err := commands["pending"](ctx, m)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !slices.Equal(pending, []string{"0002_b.up.sql"}) {
		t.Fatalf("unexpected pending %q", pending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCommandsCoverUsage(t *testing.T) {
	for _, name := range []string{"up", "down", "seed", "status", "pending"} {
		if commands[name] == nil {
			t.Fatalf("missing command %q", name)
		}
	}
}
