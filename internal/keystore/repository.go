package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoActiveKey    = errors.New("keystore: no active signing key")
	ErrKeyNotFound    = errors.New("keystore: key not found")
	ErrKeyUnavailable = errors.New("keystore: verification key unavailable")
)

// StoredKey is the persisted form of a signing key.
type StoredKey struct {
	Kid        string
	PrivatePEM []byte
	PublicPEM  []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Retired    bool
}

// Repository persists signing keys ("secured storage").
type Repository interface {
	// Active returns the current signing key or ErrNoActiveKey.
	Active(ctx context.Context) (StoredKey, error)
	// Rotate retires the active key and stores next as the new active key.
	Rotate(ctx context.Context, next StoredKey) error
	// Get returns a key by kid, retired or not, or ErrKeyNotFound.
	Get(ctx context.Context, kid string) (StoredKey, error)
	// Published lists keys that have not expired at now.
	Published(ctx context.Context, now time.Time) ([]StoredKey, error)
}

// NewStoredKey encodes priv for persistence.
func NewStoredKey(priv *rsa.PrivateKey, createdAt, expiresAt time.Time) (StoredKey, error) {
	privPEM, err := EncodePrivateKey(priv)
	if err != nil {
		return StoredKey{}, err
	}
	pubPEM, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return StoredKey{}, err
	}
	return StoredKey{
		Kid:        Thumbprint(&priv.PublicKey),
		PrivatePEM: privPEM,
		PublicPEM:  pubPEM,
		CreatedAt:  createdAt.UTC(),
		ExpiresAt:  expiresAt.UTC(),
	}, nil
}

// MemoryRepository keeps keys in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	keys   map[string]StoredKey
	active string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[string]StoredKey)}
}

func (r *MemoryRepository) Active(context.Context) (StoredKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return StoredKey{}, ErrNoActiveKey
	}
	return r.keys[r.active], nil
}

func (r *MemoryRepository) Rotate(_ context.Context, next StoredKey) error {
	if next.Kid == "" {
		return errors.New("keystore: kid required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.keys[r.active]; ok {
		prev.Retired = true
		r.keys[prev.Kid] = prev
	}
	next.Retired = false
	r.keys[next.Kid] = next
	r.active = next.Kid
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, kid string) (StoredKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok {
		return StoredKey{}, ErrKeyNotFound
	}
	return k, nil
}

func (r *MemoryRepository) Published(_ context.Context, now time.Time) ([]StoredKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StoredKey, 0, len(r.keys))
	for _, k := range r.keys {
		if now.Before(k.ExpiresAt) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
