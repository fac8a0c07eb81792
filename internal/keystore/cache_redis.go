package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "botgate:jwk:"

// RedisCache shares verification keys between gateway replicas.
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, kid string) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+kid).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, kid string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, redisKeyPrefix+kid, raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, kid string) error {
	return c.rdb.Del(ctx, redisKeyPrefix+kid).Err()
}
