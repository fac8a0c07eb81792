package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"botgate.io/internal/keystore"
)

// KeyRepository persists signing keys in signing_keys. Exactly one row is active.
type KeyRepository struct {
	db *sql.DB
}

var _ keystore.Repository = (*KeyRepository)(nil)

func NewKeyRepository(db *sql.DB) *KeyRepository { return &KeyRepository{db: db} }

// Keys returns the signing key repository sharing the store's pool.
func (s *Store) Keys() *KeyRepository { return NewKeyRepository(s.db) }

func scanKey(row interface{ Scan(...any) error }) (keystore.StoredKey, error) {
	var (
		k      keystore.StoredKey
		status string
	)
	if err := row.Scan(&k.Kid, &k.PrivatePEM, &k.PublicPEM, &k.CreatedAt, &k.ExpiresAt, &status); err != nil {
		return keystore.StoredKey{}, err
	}
	k.Retired = status != "active"
	return k, nil
}

func (r *KeyRepository) Active(ctx context.Context) (keystore.StoredKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx, `
		select kid, private_pem, public_pem, created_at, expires_at, status
		from signing_keys where status = 'active'
		order by created_at desc limit 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return keystore.StoredKey{}, keystore.ErrNoActiveKey
	}
	return k, err
}

func (r *KeyRepository) Rotate(ctx context.Context, next keystore.StoredKey) error {
	if next.Kid == "" {
		return errors.New("keystore: kid required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`update signing_keys set status = 'retired', retired_at = $1 where status = 'active'`,
		time.Now().UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into signing_keys(kid, private_pem, public_pem, created_at, expires_at, status)
		values ($1,$2,$3,$4,$5,'active')
	`, next.Kid, next.PrivatePEM, next.PublicPEM, next.CreatedAt, next.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *KeyRepository) Get(ctx context.Context, kid string) (keystore.StoredKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx, `
		select kid, private_pem, public_pem, created_at, expires_at, status
		from signing_keys where kid = $1
	`, kid))
	if errors.Is(err, sql.ErrNoRows) {
		return keystore.StoredKey{}, keystore.ErrKeyNotFound
	}
	return k, err
}

func (r *KeyRepository) Published(ctx context.Context, now time.Time) ([]keystore.StoredKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		select kid, private_pem, public_pem, created_at, expires_at, status
		from signing_keys where expires_at > $1
		order by created_at desc
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []keystore.StoredKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
