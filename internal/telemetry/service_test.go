package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"botgate.io/internal/events"
	"botgate.io/internal/keystore"
	"botgate.io/internal/obs"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

type fixture struct {
	dir    *tenancy.InMemory
	svc    *Service
	codec  *token.Codec
	ledger *quota.InMemory
	bus    *events.Bus
	errs   *MemoryErrorLog
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := tenancy.NewInMemory()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, dir.PutTenant(ctx, tenancy.Tenant{ID: "t1", Active: true}))
	require.NoError(t, dir.PutBot(ctx, tenancy.Bot{ID: "b1", Name: "Bot", Active: true, SecretHash: string(hash)}))
	require.NoError(t, dir.PutBot(ctx, tenancy.Bot{ID: "b2", Name: "Off", Active: false, SecretHash: string(hash)}))
	require.NoError(t, dir.PutTenantBotLink(ctx, tenancy.TenantBotLink{TenantID: "t1", BotID: "b1", Enabled: true}))
	require.NoError(t, dir.PutUserBotAuthorization(ctx, tenancy.UserBotAuthorization{UserID: "u1", TenantID: "t1", BotID: "b1", Enabled: true}))
	require.NoError(t, dir.PutTenantUser(ctx, tenancy.TenantUser{TenantID: "t1", UserID: "u1", AllowBotAccess: true}))

	keys, err := keystore.New(ctx, keystore.NewMemoryRepository())
	require.NoError(t, err)
	t.Cleanup(keys.Close)
	codec := token.NewCodec(keys)

	ledger := quota.NewInMemory(quota.StaticLimit(limit))
	bus := events.NewBus()
	errs := NewMemoryErrorLog()
	svc := NewService(dir, policy.NewEvaluator(dir), codec, ledger, NewMemorySessions(), errs, WithEvents(bus))
	return &fixture{dir: dir, svc: svc, codec: codec, ledger: ledger, bus: bus, errs: errs}
}

func TestAuthenticateBot(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	raw, exp, err := f.svc.AuthenticateBot(ctx, "b1", "s3cret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(token.BotTokenTTL), exp, 5*time.Second)

	claims, err := f.codec.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, token.KindBot, claims.Kind)
	assert.Equal(t, "b1", claims.BotID)

	_, _, err = f.svc.AuthenticateBot(ctx, "b1", "wrong")
	assert.ErrorIs(t, err, ErrBotAuth)
	_, _, err = f.svc.AuthenticateBot(ctx, "b2", "s3cret")
	assert.ErrorIs(t, err, ErrBotAuth)
	_, _, err = f.svc.AuthenticateBot(ctx, "missing", "s3cret")
	assert.ErrorIs(t, err, ErrBotAuth)
}

func TestOpenSessionRequiresGrant(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	sess, raw, err := f.svc.OpenSession(ctx, "b1", "u1", "t1")
	require.NoError(t, err)
	claims, err := f.codec.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, token.KindSession, claims.Kind)
	assert.Equal(t, sess.ID, claims.SessionID)
	assert.Equal(t, int64(100), claims.Quota)

	_, _, err = f.svc.OpenSession(ctx, "b1", "u2", "t1")
	var deny *policy.DenyError
	require.True(t, errors.As(err, &deny))
	assert.Equal(t, policy.ReasonUserNotAuthorized, deny.Reason)
}

func TestRecordUsage(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := f.bus.Subscribe(sub)

	sess, _, err := f.svc.OpenSession(ctx, "b1", "u1", "t1")
	require.NoError(t, err)

	res, err := f.svc.RecordUsage(ctx, "b1", []UsageEvent{
		{SessionID: sess.ID, Type: UsageMessage, Tokens: 60},
		{SessionID: sess.ID, Type: UsagePing, Tokens: 0},
		{SessionID: "ses_unknown", Type: UsageMessage, Tokens: 1},
		{SessionID: sess.ID, Type: "bogus", Tokens: 1},
		{SessionID: sess.ID, Type: UsageCompletion, Tokens: 41},
		{SessionID: sess.ID, Type: UsageCompletion, Tokens: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, 2, res.Rejected[0].Index)
	assert.Equal(t, 3, res.Rejected[1].Index)
	assert.Equal(t, 4, res.Rejected[2].Index)

	bal, err := f.ledger.Balance(ctx, quota.Scope{UserID: "u1", TenantID: "t1", BotID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Used)

	var kinds []events.Kind
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	assert.Contains(t, kinds, events.KindQuotaExhausted)
}

func TestRecordUsageRejectsForeignSession(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	sess, _, err := f.svc.OpenSession(ctx, "b1", "u1", "t1")
	require.NoError(t, err)

	res, err := f.svc.RecordUsage(ctx, "b9", []UsageEvent{{SessionID: sess.ID, Type: UsageMessage, Tokens: 5}})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	require.Len(t, res.Rejected, 1)
}

// flakyLedger fails the nth ReserveAndCommit once.
type flakyLedger struct {
	quota.Ledger
	failOn int
	calls  int
}

func (l *flakyLedger) ReserveAndCommit(ctx context.Context, s quota.Scope, amount int64, a quota.Action) (quota.UsageRecord, quota.Balance, error) {
	l.calls++
	if l.calls == l.failOn {
		return quota.UsageRecord{}, quota.Balance{}, errors.New("ledger unavailable")
	}
	return l.Ledger.ReserveAndCommit(ctx, s, amount, a)
}

func TestRecordUsageResentBatchChargesOnce(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	ledger := &flakyLedger{Ledger: f.ledger, failOn: 2}
	sessions := NewMemorySessions()
	svc := NewService(f.dir, policy.NewEvaluator(f.dir), f.codec, ledger, sessions, NewMemoryErrorLog())

	sess, _, err := svc.OpenSession(ctx, "b1", "u1", "t1")
	require.NoError(t, err)
	batch := []UsageEvent{
		{EventID: "ev-1", SessionID: sess.ID, Type: UsageMessage, Tokens: 100},
		{EventID: "ev-2", SessionID: sess.ID, Type: UsageCompletion, Tokens: 50},
	}

	res, err := svc.RecordUsage(ctx, "b1", batch)
	require.Error(t, err)
	assert.Equal(t, 1, res.Processed)

	res, err = svc.RecordUsage(ctx, "b1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Duplicates)

	bal, err := f.ledger.Balance(ctx, quota.Scope{UserID: "u1", TenantID: "t1", BotID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Used)
}

func TestRedisReceipts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	r := NewRedisReceipts(rdb)
	ctx := context.Background()

	fresh, err := r.Claim(ctx, "b1", "ev-1")
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = r.Claim(ctx, "b1", "ev-1")
	require.NoError(t, err)
	assert.False(t, fresh)
	fresh, err = r.Claim(ctx, "b2", "ev-1")
	require.NoError(t, err)
	assert.True(t, fresh, "receipts are per bot")

	require.NoError(t, r.Release(ctx, "b1", "ev-1"))
	fresh, err = r.Claim(ctx, "b1", "ev-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	mr.FastForward(receiptTTL + time.Minute)
	fresh, err = r.Claim(ctx, "b2", "ev-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestDefaultLoggerIsJSON(t *testing.T) {
	f := newFixture(t, 100)
	logger := obs.Logger()
	var buf bytes.Buffer
	prev := logger.Out
	logger.SetOutput(&buf)
	defer logger.SetOutput(prev)

	_, err := f.svc.RecordErrors(context.Background(), "b1", []ErrorEvent{{Severity: SeverityHigh, Type: "runtime", Message: "boom"}})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "telemetry", entry["component"])
	assert.Equal(t, "boom", entry["msg"])
}

func TestRecordErrors(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	res, err := f.svc.RecordErrors(ctx, "b1", []ErrorEvent{
		{Severity: SeverityCritical, Type: "runtime", Message: "fatal: out of memory"},
		{Severity: "extreme", Type: "runtime", Message: "x"},
		{Severity: SeverityLow, Type: "", Message: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, res.Rejected, 2)

	recs, err := f.svc.Errors(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fatal: out of memory", recs[0].Message)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisSessions(rdb)
	ctx := context.Background()

	s := Session{ID: "ses_1", BotID: "b1", UserID: "u1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Save(ctx, s))
	got, err := store.Get(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "ses_1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}
