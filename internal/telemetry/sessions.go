package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session binds a (user, tenant) pair to a bot for a limited time.
type Session struct {
	ID        string    `json:"id"`
	BotID     string    `json:"botId"`
	UserID    string    `json:"userId"`
	TenantID  string    `json:"tenantId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore keeps live sessions. Get returns ErrUnknownSession for missing or expired ids.
type SessionStore interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]Session), now: time.Now}
}

func (m *MemorySessions) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, old := range m.sessions {
		if !now.Before(old.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return Session{}, ErrUnknownSession
	}
	return s, nil
}

// RedisSessions shares sessions between replicas. Keys expire with the session.
type RedisSessions struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisSessions(rdb redis.Cmdable) *RedisSessions {
	return &RedisSessions{rdb: rdb, prefix: "botgate:session:", now: time.Now}
}

func (r *RedisSessions) Save(ctx context.Context, s Session) error {
	ttl := s.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.prefix+s.ID, raw, ttl).Err()
}

func (r *RedisSessions) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, err
	}
	if !r.now().Before(s.ExpiresAt) {
		return Session{}, ErrUnknownSession
	}
	return s, nil
}
