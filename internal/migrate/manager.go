// Package migrate applies the embedded Postgres schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"botgate.io/internal/obs"
)

//go:embed migrations/*.sql seeds/*.sql
var embedded embed.FS

// Migrations is the schema shipped with the binary.
func Migrations() fs.FS {
	sub, _ := fs.Sub(embedded, "migrations")
	return sub
}

// Seeds is the development data shipped with the binary.
func Seeds() fs.FS {
	sub, _ := fs.Sub(embedded, "seeds")
	return sub
}

// set is one family of SQL files and the table recording which of them ran.
type set struct {
	kind   string
	fsys   fs.FS
	suffix string
	table  string
}

// Manager runs schema migrations and seed data. Every file runs in its own transaction
// together with its bookkeeping row.
type Manager struct {
	db         *sql.DB
	migrations set
	seeds      set
	log        logrus.FieldLogger
}

type Option func(*Manager)

// WithMigrationsTable overrides the schema_migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

// WithSeedsTable overrides the schema_seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// WithSources replaces the embedded migrations and seeds. Nil keeps the default.
func WithSources(migrations, seeds fs.FS) Option {
	return func(m *Manager) {
		if migrations != nil {
			m.migrations.fsys = migrations
		}
		if seeds != nil {
			m.seeds.fsys = seeds
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: set{kind: "migration", fsys: Migrations(), suffix: ".up.sql", table: "schema_migrations"},
		seeds:      set{kind: "seed", fsys: Seeds(), suffix: ".sql", table: "schema_seeds"},
		log:        obs.Logger().WithField("component", "migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every migration not recorded yet, in file name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.apply(ctx, m.migrations)
}

// Seed applies seed files not recorded yet.
func (m *Manager) Seed(ctx context.Context) error {
	return m.apply(ctx, m.seeds)
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("migrate: nothing to roll back")
	}
	last := applied[len(applied)-1]
	down := strings.TrimSuffix(last, m.migrations.suffix) + ".down.sql"
	body, err := fs.ReadFile(m.migrations.fsys, down)
	if err != nil {
		return fmt.Errorf("migrate: no down file for %s: %w", last, err)
	}
	err = m.inTx(ctx, string(body), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate: roll back %s: %w", last, err)
	}
	m.log.WithField("file", last).Info("migration rolled back")
	return nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.recorded(ctx, m.migrations.table)
}

// Pending lists migrations that Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	applied, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.migrations.fsys, m.migrations.suffix)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(files, func(name string) bool { return slices.Contains(applied, name) }), nil
}

func (m *Manager) apply(ctx context.Context, s set) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.recorded(ctx, s.table)
	if err != nil {
		return err
	}
	files, err := collectSQL(s.fsys, s.suffix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if slices.Contains(done, name) {
			continue
		}
		body, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return err
		}
		err = m.inTx(ctx, string(body), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, s.table),
				name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s %s: %w", s.kind, name, err)
		}
		m.log.WithField("file", name).Infof("%s applied", s.kind)
	}
	return nil
}

// inTx runs every statement of body and then record, committing only if all succeed.
func (m *Manager) inTx(ctx context.Context, body string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrations.table, m.seeds.table} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: bookkeeping table %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) recorded(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// collectSQL returns the paths ending in suffix, ordered by base name.
func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	names, err := fs.Glob(fsys, "*"+suffix)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(names, func(a, b string) int { return strings.Compare(path.Base(a), path.Base(b)) })
	return names, nil
}

// splitStatements splits SQL on semicolons that are outside quotes and -- comments.
// Blank statements are dropped.
func splitStatements(sql string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(sql)
	for i, r := range runes {
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
			continue
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			continue
		case r == '\'':
			quoted = !quoted
		}
		cur.WriteRune(r)
		if r == ';' && !quoted {
			flush()
		}
	}
	flush()
	return stmts
}
