package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"botgate.io/internal/ids"
)

// Every script runs atomically inside Redis, so the limit check and the write are one step.
// KEYS: 1 account hash, 2 reservation amounts hash, 3 reservation expiry zset, 4 record list.
const luaPrelude = `
local function reserved(now)
  local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
  for _, id in ipairs(expired) do
    redis.call('HDEL', KEYS[2], id)
  end
  if #expired > 0 then
    redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now)
  end
  local total = 0
  for _, v in ipairs(redis.call('HVALS', KEYS[2])) do
    total = total + tonumber(v)
  end
  return total
end
local function limit(resolved)
  local o = redis.call('HGET', KEYS[1], 'override')
  if o then
    return tonumber(o)
  end
  return tonumber(resolved)
end
local function used()
  return tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
end
local function lastused()
  return tonumber(redis.call('HGET', KEYS[1], 'last_used') or '0')
end
`

// ARGV: now_ms, resolved_limit, amount, record_json, max_records
var commitScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[1])
local lim = limit(ARGV[2])
local amount = tonumber(ARGV[3])
local u = used()
local rsv = reserved(now)
if u + rsv + amount > lim then
  return {0, lim, u, rsv, lastused()}
end
if amount > 0 then
  u = redis.call('HINCRBY', KEYS[1], 'used', amount)
  redis.call('LPUSH', KEYS[4], ARGV[4])
  redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[5]) - 1)
end
redis.call('HSET', KEYS[1], 'last_used', ARGV[1])
return {1, lim, u, rsv, now}
`)

// ARGV: now_ms, resolved_limit, amount, reservation_id, expires_ms
var reserveScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[1])
local lim = limit(ARGV[2])
local amount = tonumber(ARGV[3])
local u = used()
local rsv = reserved(now)
if u + rsv + amount > lim then
  return {0, lim, u, rsv, lastused()}
end
redis.call('HSET', KEYS[2], ARGV[4], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
return {1, lim, u, rsv + amount, lastused()}
`)

// ARGV: now_ms, resolved_limit, reservation_id, actual, record_json, max_records
var settleScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
local lim = limit(ARGV[2])
local actual = tonumber(ARGV[4])
local u = used()
local rsv = reserved(now)
if u + rsv + actual > lim then
  return {0, lim, u, rsv, lastused()}
end
if actual > 0 then
  u = redis.call('HINCRBY', KEYS[1], 'used', actual)
  redis.call('LPUSH', KEYS[4], ARGV[5])
  redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[6]) - 1)
end
redis.call('HSET', KEYS[1], 'last_used', ARGV[1])
return {1, lim, u, rsv, now}
`)

// ARGV: now_ms, resolved_limit, op ("read" | "reset" | "limit"), value
var accountScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[1])
if ARGV[3] == 'reset' then
  redis.call('HSET', KEYS[1], 'used', '0')
elseif ARGV[3] == 'limit' then
  redis.call('HSET', KEYS[1], 'override', ARGV[4])
elseif ARGV[3] == 'touch' then
  redis.call('HSET', KEYS[1], 'last_used', ARGV[1])
end
return {1, limit(ARGV[2]), used(), reserved(now), lastused()}
`)

// RedisLedger shares quota state between gateway replicas.
type RedisLedger struct {
	rdb        redis.Cmdable
	limits     LimitResolver
	prefix     string
	maxRecords int
	now        func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger creates a ledger storing keys under prefix (default "botgate:quota").
func NewRedisLedger(rdb redis.Cmdable, limits LimitResolver, prefix string) *RedisLedger {
	if limits == nil {
		limits = StaticLimit(0)
	}
	if prefix == "" {
		prefix = "botgate:quota"
	}
	return &RedisLedger{rdb: rdb, limits: limits, prefix: prefix, maxRecords: maxRecordsPerScope, now: time.Now}
}

func (l *RedisLedger) keys(s Scope) []string {
	base := l.prefix + ":{" + s.Key() + "}"
	return []string{base, base + ":rsv", base + ":rsvexp", base + ":log"}
}

func (l *RedisLedger) resolve(ctx context.Context, s Scope) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	return l.limits.Limit(ctx, s)
}

// run executes script and decodes {ok, limit, used, reserved, last_used_ms}.
func (l *RedisLedger) run(ctx context.Context, script *redis.Script, s Scope, args ...any) (bool, Balance, error) {
	res, err := script.Run(ctx, l.rdb, l.keys(s), args...).Int64Slice()
	if err != nil {
		return false, Balance{}, fmt.Errorf("quota: redis: %w", err)
	}
	if len(res) != 5 {
		return false, Balance{}, errors.New("quota: redis: unexpected script reply")
	}
	bal := Balance{Limit: res[1], Used: res[2], Reserved: res[3]}
	if res[4] > 0 {
		bal.LastUsedAt = time.UnixMilli(res[4]).UTC()
	}
	return res[0] == 1, bal, nil
}

func (l *RedisLedger) newRecord(s Scope, amount int64, act Action, now time.Time) (UsageRecord, string, error) {
	rec := UsageRecord{
		ID:         ids.WithPrefix(ids.PrefixUsage),
		Scope:      s,
		TokensUsed: amount,
		ActionType: act.Type,
		Metadata:   cloneMeta(act.Metadata),
		CreatedAt:  now.UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return UsageRecord{}, "", err
	}
	return rec, string(raw), nil
}

func (l *RedisLedger) Balance(ctx context.Context, s Scope) (Balance, error) {
	limit, err := l.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	_, bal, err := l.run(ctx, accountScript, s, l.now().UnixMilli(), limit, "read", "")
	return bal, err
}

func (l *RedisLedger) ReserveAndCommit(ctx context.Context, s Scope, amount int64, act Action) (UsageRecord, Balance, error) {
	if err := checkAmount(amount); err != nil {
		return UsageRecord{}, Balance{}, err
	}
	limit, err := l.resolve(ctx, s)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	now := l.now()
	if amount == 0 {
		_, bal, err := l.run(ctx, accountScript, s, now.UnixMilli(), limit, "touch", "")
		return UsageRecord{}, bal, err
	}
	rec, raw, err := l.newRecord(s, amount, act, now)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	ok, bal, err := l.run(ctx, commitScript, s, now.UnixMilli(), limit, amount, raw, l.maxRecords)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	if !ok {
		return UsageRecord{}, bal, &Error{Err: ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	return rec, bal, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, s Scope, amount int64, ttl time.Duration) (Reservation, Balance, error) {
	if amount <= 0 || ttl <= 0 {
		return Reservation{}, Balance{}, ErrInvalidAmount
	}
	limit, err := l.resolve(ctx, s)
	if err != nil {
		return Reservation{}, Balance{}, err
	}
	now := l.now()
	r := Reservation{ID: ids.WithPrefix(ids.PrefixReservation), Scope: s, Amount: amount, ExpiresAt: now.Add(ttl)}
	ok, bal, err := l.run(ctx, reserveScript, s, now.UnixMilli(), limit, amount, r.ID, r.ExpiresAt.UnixMilli())
	if err != nil {
		return Reservation{}, Balance{}, err
	}
	if !ok {
		return Reservation{}, bal, &Error{Err: ErrInsufficientQuota, Balance: bal, Requested: amount}
	}
	return r, bal, nil
}

func (l *RedisLedger) Settle(ctx context.Context, r Reservation, actual int64, act Action) (UsageRecord, Balance, error) {
	if err := checkAmount(actual); err != nil {
		return UsageRecord{}, Balance{}, err
	}
	limit, err := l.resolve(ctx, r.Scope)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	now := l.now()
	rec, raw, err := l.newRecord(r.Scope, actual, act, now)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	ok, bal, err := l.run(ctx, settleScript, r.Scope, now.UnixMilli(), limit, r.ID, actual, raw, l.maxRecords)
	if err != nil {
		return UsageRecord{}, Balance{}, err
	}
	if !ok {
		return UsageRecord{}, bal, &Error{Err: ErrQuotaOverflow, Balance: bal, Requested: actual}
	}
	if actual == 0 {
		return UsageRecord{}, bal, nil
	}
	return rec, bal, nil
}

func (l *RedisLedger) Release(ctx context.Context, r Reservation) error {
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	k := l.keys(r.Scope)
	pipe := l.rdb.TxPipeline()
	pipe.HDel(ctx, k[1], r.ID)
	pipe.ZRem(ctx, k[2], r.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Touch(ctx context.Context, s Scope) error {
	limit, err := l.resolve(ctx, s)
	if err != nil {
		return err
	}
	_, _, err = l.run(ctx, accountScript, s, l.now().UnixMilli(), limit, "touch", "")
	return err
}

func (l *RedisLedger) Reset(ctx context.Context, s Scope) (Balance, error) {
	limit, err := l.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	_, bal, err := l.run(ctx, accountScript, s, l.now().UnixMilli(), limit, "reset", "")
	return bal, err
}

func (l *RedisLedger) SetLimit(ctx context.Context, s Scope, limit int64) (Balance, error) {
	if limit < 0 {
		return Balance{}, ErrInvalidLimit
	}
	resolved, err := l.resolve(ctx, s)
	if err != nil {
		return Balance{}, err
	}
	_, bal, err := l.run(ctx, accountScript, s, l.now().UnixMilli(), resolved, "limit", strconv.FormatInt(limit, 10))
	return bal, err
}

func (l *RedisLedger) Records(ctx context.Context, s Scope, n int) ([]UsageRecord, error) {
	if n <= 0 || n > l.maxRecords {
		n = 100
	}
	raws, err := l.rdb.LRange(ctx, l.keys(s)[3], 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("quota: redis: %w", err)
	}
	out := make([]UsageRecord, 0, len(raws))
	for _, raw := range raws {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
