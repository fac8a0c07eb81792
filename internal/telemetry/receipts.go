package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// receiptTTL bounds how long a delivered event id is remembered. Bots resend a failed
// batch within seconds; a day covers long outages of the reporting process.
const receiptTTL = 24 * time.Hour

// Receipts remembers which client event ids a bot already delivered so a resent batch
// is not charged twice. Claim reports false when the id was claimed before.
type Receipts interface {
	Claim(ctx context.Context, botID, eventID string) (bool, error)
	Release(ctx context.Context, botID, eventID string) error
}

type MemoryReceipts struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryReceipts) Claim(_ context.Context, botID, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	key := botID + "/" + eventID
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	m.seen[key] = now.Add(receiptTTL)
	return true, nil
}

func (m *MemoryReceipts) Release(_ context.Context, botID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, botID+"/"+eventID)
	return nil
}

// RedisReceipts shares receipts between replicas through SET NX.
type RedisReceipts struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisReceipts(rdb redis.Cmdable) *RedisReceipts {
	return &RedisReceipts{rdb: rdb, prefix: "botgate:usage-receipt:"}
}

func (r *RedisReceipts) Claim(ctx context.Context, botID, eventID string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+botID+":"+eventID, 1, receiptTTL).Result()
}

func (r *RedisReceipts) Release(ctx context.Context, botID, eventID string) error {
	return r.rdb.Del(ctx, r.prefix+botID+":"+eventID).Err()
}
