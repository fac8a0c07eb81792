package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingFetcher serves a fixed key and counts calls.
type countingFetcher struct {
	calls atomic.Int32
	jwk   JWK
	delay time.Duration
	err   error
}

func (f *countingFetcher) FetchKey(ctx context.Context, kid string) (JWK, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return JWK{}, ctx.Err()
		}
	}
	if f.err != nil {
		return JWK{}, f.err
	}
	if kid != f.jwk.Kid {
		return JWK{}, ErrKeyNotFound
	}
	return f.jwk, nil
}

func remoteJWK(t *testing.T, kid string) JWK {
	t.Helper()
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewJWK(kid, &priv.PublicKey)
}

func TestNewCreatesSigningKeyAndPublishesIt(t *testing.T) {
	repo := NewMemoryRepository()
	s, err := New(context.Background(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	key, err := s.SigningKey(context.Background())
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if key.Kid == "" || key.Private == nil {
		t.Fatalf("unexpected signing key: %+v", key)
	}
	if key.Kid != Thumbprint(&key.Private.PublicKey) {
		t.Fatalf("kid is not the key thumbprint")
	}

	set, err := s.JWKS(context.Background())
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	if _, ok := set.Find(key.Kid); !ok {
		t.Fatalf("expected jwks to include %s", key.Kid)
	}

	pub, err := s.VerificationKey(context.Background(), key.Kid)
	if err != nil {
		t.Fatalf("VerificationKey: %v", err)
	}
	if pub.N.Cmp(key.Private.PublicKey.N) != 0 {
		t.Fatal("verification key does not match signing key")
	}
}

func TestNewReusesPersistedKey(t *testing.T) {
	repo := NewMemoryRepository()
	first, err := New(context.Background(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k1, _ := first.SigningKey(context.Background())

	second, err := New(context.Background(), repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	k2, _ := second.SigningKey(context.Background())
	if k1.Kid != k2.Kid {
		t.Fatalf("expected persisted key to be reused: %s != %s", k1.Kid, k2.Kid)
	}
}

func TestNewFailsWhenRepositoryUnavailable(t *testing.T) {
	_, err := New(context.Background(), brokenRepo{NewMemoryRepository()})
	if err == nil {
		t.Fatal("expected startup failure")
	}
}

type brokenRepo struct{ *MemoryRepository }

func (brokenRepo) Active(context.Context) (StoredKey, error) {
	return StoredKey{}, errors.New("vault sealed")
}

func TestSigningKeyRotatesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	repo := NewMemoryRepository()
	s, err := New(context.Background(), repo, WithClock(clock.Now), WithSigningTTL(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	old, _ := s.SigningKey(context.Background())

	clock.Advance(30 * time.Minute)
	same, _ := s.SigningKey(context.Background())
	if same.Kid != old.Kid {
		t.Fatal("rotated before ttl")
	}

	clock.Advance(31 * time.Minute)
	next, err := s.SigningKey(context.Background())
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if next.Kid == old.Kid {
		t.Fatal("expected rotation after ttl")
	}

	set, _ := s.JWKS(context.Background())
	if _, ok := set.Find(old.Kid); !ok {
		t.Fatal("retired key should stay published during grace")
	}
	if _, err := s.VerificationKey(context.Background(), old.Kid); err != nil {
		t.Fatalf("retired key should still verify: %v", err)
	}
}

func TestVerificationKeyCachedWithinTTL(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{jwk: remoteJWK(t, "remote-1")}
	s, err := New(context.Background(), NewMemoryRepository(), WithClock(clock.Now), WithFetcher(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 2; i++ {
		if _, err := s.VerificationKey(context.Background(), "remote-1"); err != nil {
			t.Fatalf("VerificationKey: %v", err)
		}
		clock.Advance(time.Hour)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestVerificationKeySingleRefreshAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{jwk: remoteJWK(t, "remote-1"), delay: 20 * time.Millisecond}
	s, err := New(context.Background(), NewMemoryRepository(), WithClock(clock.Now), WithFetcher(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := s.VerificationKey(context.Background(), "remote-1"); err != nil {
		t.Fatalf("VerificationKey: %v", err)
	}
	clock.Advance(25 * time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.VerificationKey(context.Background(), "remote-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("VerificationKey: %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("expected exactly one refresh fetch after expiry, got %d fetches total", got)
	}
}

func TestVerificationKeyBackgroundRotation(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{jwk: remoteJWK(t, "remote-1")}
	s, err := New(context.Background(), NewMemoryRepository(), WithClock(clock.Now), WithFetcher(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.VerificationKey(context.Background(), "remote-1"); err != nil {
		t.Fatalf("VerificationKey: %v", err)
	}
	clock.Advance(13 * time.Hour)
	if _, err := s.VerificationKey(context.Background(), "remote-1"); err != nil {
		t.Fatalf("stale key should still be served: %v", err)
	}
	s.Close()
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("expected background refresh, got %d fetches", got)
	}
}

func TestVerificationKeyFailsClosed(t *testing.T) {
	f := &countingFetcher{err: errors.New("connection refused")}
	s, err := New(context.Background(), NewMemoryRepository(), WithFetcher(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.VerificationKey(context.Background(), "unknown")
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestVerificationKeyFetchTimeout(t *testing.T) {
	f := &countingFetcher{jwk: remoteJWK(t, "slow"), delay: time.Second}
	s, err := New(context.Background(), NewMemoryRepository(), WithFetcher(f), WithFetchTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	_, err = s.VerificationKey(context.Background(), "slow")
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("fetch was not bounded by the timeout")
	}
}

func TestHTTPFetcher(t *testing.T) {
	jwk := remoteJWK(t, "k1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(JWKSet{Keys: []JWK{jwk}})
	}))
	defer srv.Close()

	f := HTTPFetcher{URL: srv.URL, Client: srv.Client()}
	got, err := f.FetchKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	if got.N != jwk.N {
		t.Fatal("unexpected modulus")
	}
	if _, err := f.FetchKey(context.Background(), "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestFileCacheRoundTrip(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCache: %v", err)
	}
	ctx := context.Background()
	entry := Entry{JWK: remoteJWK(t, "a/b"), FetchedAt: time.Now().UTC()}
	if err := c.Set(ctx, "a/b", entry, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "a/b")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if _, err := got.PublicKey(); err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if err := c.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "a/b"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisCache(rdb)
	ctx := context.Background()
	entry := Entry{JWK: remoteJWK(t, "k1"), FetchedAt: time.Now().UTC()}
	if err := c.Set(ctx, "k1", entry, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.JWK.Kid != "k1" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Fatal("expected expiry")
	}
}

func TestJWKRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := NewJWK("x", &priv.PublicKey).PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if pub.E != priv.PublicKey.E || pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatal("jwk did not round trip")
	}
	if _, err := (JWK{Kty: "EC"}).PublicKey(); err == nil {
		t.Fatal("expected error for non-RSA jwk")
	}
}
