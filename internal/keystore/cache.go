package keystore

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"
)

// Entry is a cached verification key.
type Entry struct {
	JWK       JWK       `json:"jwk"`
	FetchedAt time.Time `json:"fetched_at"`

	key *rsa.PublicKey
}

// PublicKey returns the decoded key, decoding at most once per entry value.
func (e Entry) PublicKey() (*rsa.PublicKey, error) {
	if e.key != nil {
		return e.key, nil
	}
	return e.JWK.PublicKey()
}

// Cache stores verification keys by kid. Implementations must treat entries as values:
// Set replaces, it never mutates an entry a reader may hold.
type Cache interface {
	Get(ctx context.Context, kid string) (Entry, bool, error)
	Set(ctx context.Context, kid string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, kid string) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryItem
	now     func() time.Time
}

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryItem), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, kid string) (Entry, bool, error) {
	c.mu.RLock()
	item, ok := c.entries[kid]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[kid]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.entries, kid)
		}
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, kid string, e Entry, ttl time.Duration) error {
	if e.key == nil {
		if key, err := e.JWK.PublicKey(); err == nil {
			e.key = key
		}
	}
	item := memoryItem{entry: e}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[kid] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, kid string) error {
	c.mu.Lock()
	delete(c.entries, kid)
	c.mu.Unlock()
	return nil
}
