package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botgate.io/internal/events"
	"botgate.io/internal/keystore"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

// origin is a spy bot backend.
type origin struct {
	*httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	last  *http.Request
	body  string
}

func newOrigin(t *testing.T, body string) *origin {
	t.Helper()
	o := &origin{body: body}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.calls.Add(1)
		o.mu.Lock()
		o.last = r.Clone(context.Background())
		o.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Origin", "yes")
		_, _ = w.Write([]byte(o.body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) lastRequest() *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type fixture struct {
	gw     *Gateway
	dir    *tenancy.InMemory
	ledger *quota.InMemory
	keys   *keystore.Store
	codec  *token.Codec
	bus    *events.Bus
	scope  quota.Scope
}

func newFixture(t *testing.T, originURL string, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := tenancy.NewInMemory()
	require.NoError(t, dir.PutTenant(ctx, tenancy.Tenant{ID: "T", Active: true}))
	require.NoError(t, dir.PutBot(ctx, tenancy.Bot{ID: "B", Name: "Bot", Active: true, Website: originURL}))
	require.NoError(t, dir.PutTenantBotLink(ctx, tenancy.TenantBotLink{TenantID: "T", BotID: "B", Enabled: true}))
	require.NoError(t, dir.PutUserBotAuthorization(ctx, tenancy.UserBotAuthorization{UserID: "U", TenantID: "T", BotID: "B", Enabled: true}))
	require.NoError(t, dir.PutTenantUser(ctx, tenancy.TenantUser{TenantID: "T", UserID: "U", AllowBotAccess: true}))

	keys, err := keystore.New(ctx, keystore.NewMemoryRepository())
	require.NoError(t, err)
	t.Cleanup(keys.Close)
	codec := token.NewCodec(keys)
	ledger := quota.NewInMemory(quota.StaticLimit(1000))
	bus := events.NewBus()

	opts = append([]Option{WithEvents(bus)}, opts...)
	gw := New(codec, policy.NewEvaluator(dir), dir, ledger, opts...)
	return &fixture{gw: gw, dir: dir, ledger: ledger, keys: keys, codec: codec, bus: bus,
		scope: quota.Scope{UserID: "U", TenantID: "T", BotID: "B"}}
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	c := token.Claims{Kind: token.KindUser, TenantID: "T", BotID: "B", Bots: []string{"B"}, Quota: 1000, Allow: true}
	c.Subject = "U"
	raw, _, err := f.codec.Issue(context.Background(), c, token.UserTokenTTL)
	require.NoError(t, err)
	return raw
}

func (f *fixture) do(method, target, raw, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if raw != "" {
		req.Header.Set("Authorization", "Bearer "+raw)
	}
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEstimateTokens(t *testing.T) {
	cases := map[int]int64{0: 0, 1: 1, 4: 1, 5: 2, 200: 50, 401: 101}
	for n, want := range cases {
		assert.Equal(t, want, EstimateTokens(n), "bytes=%d", n)
	}
}

func TestProxyCommitsMeasuredUsage(t *testing.T) {
	o := newOrigin(t, strings.Repeat("r", 200))
	f := newFixture(t, o.URL)

	rec := f.do(http.MethodPost, "/proxy/B", f.token(t), strings.Repeat("q", 200))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, strings.Repeat("r", 200), rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Equal(t, "50", rec.Header().Get(HeaderTokensRequest))
	assert.Equal(t, "50", rec.Header().Get(HeaderTokensResponse))
	assert.Equal(t, "100", rec.Header().Get(HeaderTokensTotal))
	assert.Equal(t, "100", rec.Header().Get(HeaderTotalTokens))
	assert.Equal(t, "900", rec.Header().Get(HeaderRemainingTokens))
	assert.Equal(t, "1000", rec.Header().Get(HeaderTokenLimit))
	assert.Equal(t, "1000", rec.Header().Get(HeaderBalanceBefore))
	assert.Equal(t, "900", rec.Header().Get(HeaderBalanceAfter))
	assert.Empty(t, rec.Header().Get(HeaderRegistrationError))

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Used)
	assert.Zero(t, bal.Reserved)
}

func TestProxyRefusesInsufficientBalanceWithoutForwarding(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)
	_, _, err := f.ledger.ReserveAndCommit(context.Background(), f.scope, 950, quota.Action{Type: "seed"})
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/proxy/B", f.token(t), strings.Repeat("q", 400))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, MsgInsufficientQuota, body["error"])
	details := body["details"].(map[string]any)
	assert.EqualValues(t, 1000, details["limit"])
	assert.EqualValues(t, 950, details["used"])
	assert.EqualValues(t, 50, details["remaining"])
	assert.Zero(t, o.calls.Load())

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Equal(t, int64(950), bal.Used)
}

func TestProxyExhaustedBalanceNeverCallsOrigin(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)
	_, _, err := f.ledger.ReserveAndCommit(context.Background(), f.scope, 1000, quota.Action{})
	require.NoError(t, err)

	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		rec := f.do(m, "/proxy/B", f.token(t), "")
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	}
	assert.Zero(t, o.calls.Load())
}

func TestProxyRejectsExpiredToken(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)

	past := func() time.Time { return time.Now().Add(-token.UserTokenTTL - time.Second) }
	c := token.Claims{Kind: token.KindUser, TenantID: "T", BotID: "B", Allow: true}
	c.Subject = "U"
	raw, _, err := token.NewCodec(f.keys, token.WithClock(past)).Issue(context.Background(), c, token.UserTokenTTL)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/proxy/B", raw, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, MsgInvalidToken, body["error"])
	assert.Equal(t, string(token.ReasonExpired), body["reason"])
	assert.Zero(t, o.calls.Load())

	rec = f.do(http.MethodGet, "/proxy/B", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyPolicyDenied(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)
	require.NoError(t, f.dir.PutUserBotAuthorization(context.Background(),
		tenancy.UserBotAuthorization{UserID: "U", TenantID: "T", BotID: "B", Enabled: false}))

	rec := f.do(http.MethodGet, "/proxy/B", f.token(t), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(policy.ReasonUserNotAuthorized), decode(t, rec)["reason"])
	assert.Zero(t, o.calls.Load())
}

func TestProxyTokenMustCoverBot(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)
	rec := f.do(http.MethodGet, "/proxy/OTHER", f.token(t), "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "bot_not_granted", decode(t, rec)["reason"])
}

func TestProxyForwardsIdentityAndStripsCredentials(t *testing.T) {
	o := newOrigin(t, "ok")
	f := newFixture(t, o.URL)
	raw := f.token(t)

	req := httptest.NewRequest(http.MethodGet, "/proxy/B/v1/chat?token="+raw+"&q=1", nil)
	req.Header.Set(HeaderBotUserID, "spoofed")
	req.Header.Set("Cookie", "session=1")
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	last := o.lastRequest()
	require.NotNil(t, last)
	assert.Equal(t, "/v1/chat", last.URL.Path)
	assert.Equal(t, "1", last.URL.Query().Get("q"))
	assert.Empty(t, last.URL.Query().Get("token"))
	assert.Empty(t, last.Header.Get("Authorization"))
	assert.Empty(t, last.Header.Get("Cookie"))
	assert.Equal(t, "U", last.Header.Get(HeaderBotUserID))
	assert.Equal(t, "T", last.Header.Get(HeaderBotTenantID))
	assert.Equal(t, "B", last.Header.Get(HeaderBotID))
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	o := newOrigin(t, "ok")
	url := o.URL
	o.Close()
	f := newFixture(t, url)

	rec := f.do(http.MethodGet, "/proxy/B", f.token(t), "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, MsgUpstream, decode(t, rec)["error"])

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Zero(t, bal.Used)
	assert.Zero(t, bal.Reserved)
}

func TestProxyUpstreamTimeout(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer slow.Close()
	defer close(block)
	f := newFixture(t, slow.URL, WithOriginTimeout(50*time.Millisecond))

	rec := f.do(http.MethodGet, "/proxy/B", f.token(t), "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestProxyOversizedResponseIsRejected(t *testing.T) {
	o := newOrigin(t, strings.Repeat("r", 65))
	f := newFixture(t, o.URL, WithMaxResponseBytes(64))

	rec := f.do(http.MethodGet, "/proxy/B", f.token(t), "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, MsgUpstreamTooLarge, decode(t, rec)["error"])
	assert.Equal(t, int32(1), o.calls.Load())

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Zero(t, bal.Used)
	assert.Zero(t, bal.Reserved)

}

func TestProxyResponseAtLimitIsDelivered(t *testing.T) {
	o := newOrigin(t, strings.Repeat("r", 64))
	f := newFixture(t, o.URL, WithMaxResponseBytes(64))

	rec := f.do(http.MethodGet, "/proxy/B", f.token(t), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.String(), 64)
}

func TestProxyResponseOverrunningBalance(t *testing.T) {
	o := newOrigin(t, strings.Repeat("r", 4000))
	f := newFixture(t, o.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.bus.Subscribe(ctx)

	rec := f.do(http.MethodPost, "/proxy/B", f.token(t), "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.String(), 4000)
	assert.Equal(t, "true", rec.Header().Get(HeaderRegistrationError))
	assert.NotEmpty(t, rec.Header().Get(HeaderErrorDetails))
	assert.Equal(t, "1002", rec.Header().Get(HeaderTokensTotal))
	assert.Empty(t, rec.Header().Get(HeaderBalanceAfter))

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Zero(t, bal.Used, "nothing is committed past the limit")
	assert.Zero(t, bal.Reserved)
	recent, err := f.ledger.Records(context.Background(), f.scope, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindLedgerInconsistency, ev.Kind)
		assert.Equal(t, "1002", ev.Attrs["tokens"])
		assert.Equal(t, "U", ev.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected ledger.inconsistency event")
	}
}

// overflowLedger simulates a concurrent request draining the balance before settle.
type overflowLedger struct{ *quota.InMemory }

func (l overflowLedger) Settle(ctx context.Context, r quota.Reservation, actual int64, a quota.Action) (quota.UsageRecord, quota.Balance, error) {
	_ = l.InMemory.Release(ctx, r)
	return quota.UsageRecord{}, quota.Balance{}, &quota.Error{Err: quota.ErrQuotaOverflow, Requested: actual}
}

func TestProxyLedgerFailureStillDeliversResponse(t *testing.T) {
	o := newOrigin(t, "payload")
	f := newFixture(t, o.URL)
	f.gw.ledger = overflowLedger{f.ledger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.bus.Subscribe(ctx)

	rec := f.do(http.MethodPost, "/proxy/B", f.token(t), "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get(HeaderRegistrationError))
	assert.NotEmpty(t, rec.Header().Get(HeaderErrorDetails))
	assert.Equal(t, "4", rec.Header().Get(HeaderTokensTotal))

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindLedgerInconsistency, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected ledger.inconsistency event")
	}
}

func TestProxyConcurrentRequestsNeverExceedLimit(t *testing.T) {
	o := newOrigin(t, strings.Repeat("r", 40))
	f := newFixture(t, o.URL, WithDefaultMaxTokens(10))
	_, err := f.ledger.SetLimit(context.Background(), f.scope, 200)
	require.NoError(t, err)
	raw := f.token(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.do(http.MethodPost, "/proxy/B", raw, strings.Repeat("q", 40))
		}()
	}
	wg.Wait()

	bal, err := f.ledger.Balance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.LessOrEqual(t, bal.Used, int64(200))
	assert.Zero(t, bal.Reserved)
}
