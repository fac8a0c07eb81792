package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"botgate.io/internal/events"
	"botgate.io/internal/obs"
)

const (
	DefaultCacheTTL     = 24 * time.Hour
	DefaultRotateAfter  = 12 * time.Hour
	DefaultFetchTimeout = 3 * time.Second
	DefaultSigningTTL   = 7 * 24 * time.Hour

	// Retired signing keys stay published long enough to verify the longest-lived token.
	retiredKeyGrace = 2 * time.Hour
)

// SigningKey is the key used to issue tokens.
type SigningKey struct {
	Kid       string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
	ExpiresAt time.Time
}

type activeKey struct {
	SigningKey
	rotateAt time.Time
}

// Store supplies the signing key for issuance and verification keys by kid.
type Store struct {
	repo    Repository
	cache   Cache
	fetcher Fetcher
	events  events.Publisher
	log     logrus.FieldLogger

	cacheTTL     time.Duration
	rotateAfter  time.Duration
	fetchTimeout time.Duration
	signingTTL   time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	active *activeKey

	rotateMu sync.Mutex
	flights  singleflight.Group
	bg       sync.WaitGroup
}

// Option configures Store.
type Option func(*Store) error

func WithCache(c Cache) Option {
	return func(s *Store) error {
		if c == nil {
			return errors.New("keystore: nil cache")
		}
		s.cache = c
		return nil
	}
}

func WithFetcher(f Fetcher) Option {
	return func(s *Store) error {
		if f == nil {
			return errors.New("keystore: nil fetcher")
		}
		s.fetcher = f
		return nil
	}
}

// WithCacheTTL sets how long a fetched key is trusted before a blocking refresh.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return errors.New("keystore: cache ttl must be positive")
		}
		s.cacheTTL = d
		return nil
	}
}

// WithRotateAfter sets the age past which a cached key is refreshed in the background.
func WithRotateAfter(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return errors.New("keystore: rotate window must be positive")
		}
		s.rotateAfter = d
		return nil
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return errors.New("keystore: fetch timeout must be positive")
		}
		s.fetchTimeout = d
		return nil
	}
}

// WithSigningTTL sets the signing key lifetime. Zero disables rotation (static keys).
func WithSigningTTL(d time.Duration) Option {
	return func(s *Store) error {
		if d < 0 {
			return errors.New("keystore: signing ttl must not be negative")
		}
		s.signingTTL = d
		return nil
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Store) error {
		if p != nil {
			s.events = p
		}
		return nil
	}
}

// New loads the active signing key, creating one when the repository has none.
// It fails when no signing key can be loaded or created.
func New(ctx context.Context, repo Repository, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("keystore: repository required")
	}
	s := &Store{
		repo:         repo,
		cache:        NewMemoryCache(),
		events:       events.Discard,
		log:          obs.Logger().WithField("component", "keystore"),
		cacheTTL:     DefaultCacheTTL,
		rotateAfter:  DefaultRotateAfter,
		fetchTimeout: DefaultFetchTimeout,
		signingTTL:   DefaultSigningTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.rotateAfter >= s.cacheTTL {
		return nil, fmt.Errorf("keystore: rotate window %s must be shorter than cache ttl %s", s.rotateAfter, s.cacheTTL)
	}
	if s.fetcher == nil {
		s.fetcher = LocalFetcher{Repo: repo, Now: s.now}
	}

	stored, err := repo.Active(ctx)
	switch {
	case errors.Is(err, ErrNoActiveKey):
		if _, err := s.rotate(ctx, nil); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("keystore: load signing key: %w", err)
	default:
		key, err := s.decode(stored)
		if err != nil {
			return nil, err
		}
		s.swap(key)
		if s.due(key) {
			if _, err := s.rotate(ctx, key); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// SigningKey returns the active signing key, rotating it when its lifetime has elapsed.
func (s *Store) SigningKey(ctx context.Context) (SigningKey, error) {
	s.mu.RLock()
	cur := s.active
	s.mu.RUnlock()
	if cur != nil && !s.due(cur) {
		return cur.SigningKey, nil
	}
	next, err := s.rotate(ctx, cur)
	if err != nil {
		if cur != nil && s.now().Before(cur.ExpiresAt) {
			s.log.WithError(err).WithField("kid", cur.Kid).Warn("signing key rotation failed, keeping current key")
			return cur.SigningKey, nil
		}
		return SigningKey{}, err
	}
	return next.SigningKey, nil
}

func (s *Store) due(k *activeKey) bool {
	return !k.rotateAt.IsZero() && !s.now().Before(k.rotateAt)
}

// rotate replaces prev with a fresh key unless another caller already did.
func (s *Store) rotate(ctx context.Context, prev *activeKey) (*activeKey, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	s.mu.RLock()
	cur := s.active
	s.mu.RUnlock()
	if cur != nil && cur != prev && !s.due(cur) {
		return cur, nil
	}

	priv, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	now := s.now().UTC()
	expires := now.Add(100 * 365 * 24 * time.Hour)
	if s.signingTTL > 0 {
		expires = now.Add(s.signingTTL + retiredKeyGrace)
	}
	stored, err := NewStoredKey(priv, now, expires)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Rotate(ctx, stored); err != nil {
		return nil, fmt.Errorf("keystore: persist key: %w", err)
	}
	next := s.activeFrom(stored.Kid, priv, stored.CreatedAt, stored.ExpiresAt)
	s.swap(next)

	fields := logrus.Fields{"kid": next.Kid}
	if prev != nil {
		fields["retired_kid"] = prev.Kid
	}
	s.log.WithFields(fields).Info("signing key rotated")
	s.events.Publish(events.Event{Kind: events.KindKeyRotated, Attrs: map[string]string{"kid": next.Kid}})
	return next, nil
}

func (s *Store) decode(k StoredKey) (*activeKey, error) {
	priv, err := ParsePrivateKey(k.PrivatePEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode signing key %s: %w", k.Kid, err)
	}
	return s.activeFrom(k.Kid, priv, k.CreatedAt, k.ExpiresAt), nil
}

func (s *Store) activeFrom(kid string, priv *rsa.PrivateKey, created, expires time.Time) *activeKey {
	k := &activeKey{SigningKey: SigningKey{Kid: kid, Private: priv, CreatedAt: created, ExpiresAt: expires}}
	if s.signingTTL > 0 {
		k.rotateAt = created.Add(s.signingTTL)
	}
	return k
}

// swap publishes next to readers and seeds the verification cache with its public half.
func (s *Store) swap(next *activeKey) {
	s.mu.Lock()
	s.active = next
	s.mu.Unlock()

	entry := Entry{JWK: NewJWK(next.Kid, &next.Private.PublicKey), FetchedAt: s.now(), key: &next.Private.PublicKey}
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, next.Kid, entry, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("kid", next.Kid).Warn("seed verification cache")
	}
}

// VerificationKey returns the public key for kid. Cached keys younger than the cache TTL
// are served directly; keys older than the rotate window are refreshed in the background.
// A miss blocks on a bounded fetch and fails closed with ErrKeyUnavailable.
func (s *Store) VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, ErrKeyNotFound
	}
	entry, ok, err := s.cache.Get(ctx, kid)
	if err != nil {
		s.log.WithError(err).WithField("kid", kid).Warn("verification cache read failed")
		ok = false
	}
	if ok {
		age := s.now().Sub(entry.FetchedAt)
		if age < s.cacheTTL {
			if age >= s.rotateAfter {
				s.refreshAsync(kid)
			}
			return entry.PublicKey()
		}
	}
	return s.refresh(ctx, kid)
}

func (s *Store) refresh(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ch := s.flights.DoChan(kid, func() (any, error) {
		return s.fetch(kid)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrKeyNotFound) {
				return nil, ErrKeyNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, res.Err)
		}
		return res.Val.(Entry).PublicKey()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, ctx.Err())
	}
}

func (s *Store) refreshAsync(kid string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, err, _ := s.flights.Do(kid, func() (any, error) {
			return s.fetch(kid)
		})
		if err != nil {
			s.log.WithError(err).WithField("kid", kid).Warn("background key refresh failed")
		}
	}()
}

// fetch runs inside a singleflight group. It re-reads the cache first so that callers
// racing past an expired entry do not trigger a second remote fetch.
func (s *Store) fetch(kid string) (Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	if entry, ok, err := s.cache.Get(ctx, kid); err == nil && ok && s.now().Sub(entry.FetchedAt) < s.rotateAfter {
		return entry, nil
	}

	jwk, err := s.fetcher.FetchKey(ctx, kid)
	if err != nil {
		obs.KeyFetches.WithLabelValues("error").Inc()
		return Entry{}, err
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		obs.KeyFetches.WithLabelValues("invalid").Inc()
		return Entry{}, err
	}
	obs.KeyFetches.WithLabelValues("ok").Inc()
	entry := Entry{JWK: jwk, FetchedAt: s.now(), key: pub}
	if err := s.cache.Set(ctx, kid, entry, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("kid", kid).Warn("verification cache write failed")
	}
	return entry, nil
}

// JWKS lists the public halves of every non-expired signing key.
func (s *Store) JWKS(ctx context.Context) (JWKSet, error) {
	keys, err := s.repo.Published(ctx, s.now())
	if err != nil {
		return JWKSet{}, err
	}
	set := JWKSet{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		pub, err := ParsePublicKey(k.PublicPEM)
		if err != nil {
			s.log.WithError(err).WithField("kid", k.Kid).Warn("skip undecodable key")
			continue
		}
		set.Keys = append(set.Keys, NewJWK(k.Kid, pub))
	}
	return set, nil
}

// Close waits for background refreshes to finish.
func (s *Store) Close() {
	s.bg.Wait()
}
