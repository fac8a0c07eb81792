package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store bundles the Postgres-backed repositories over one connection pool.
type Store struct {
	db *sql.DB
}

type pool struct {
	maxConns    int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

type PoolOption func(*pool)

// WithMaxConns caps open connections; half of them may stay idle.
func WithMaxConns(n int) PoolOption {
	return func(p *pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

// WithConnLifetime recycles connections older than d.
func WithConnLifetime(d time.Duration) PoolOption {
	return func(p *pool) {
		if d > 0 {
			p.maxLifetime = d
		}
	}
}

// Open connects through the pgx stdlib driver. It does not dial; call Ping.
func Open(dsn string, opts ...PoolOption) (*Store, error) {
	cfg := pool{maxConns: 50, maxLifetime: 15 * time.Minute, maxIdleTime: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.maxConns)
	db.SetMaxIdleConns(max(cfg.maxConns/2, 1))
	db.SetConnMaxLifetime(cfg.maxLifetime)
	db.SetConnMaxIdleTime(cfg.maxIdleTime)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
