package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves fresh verification key material for a kid.
type Fetcher interface {
	FetchKey(ctx context.Context, kid string) (JWK, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, kid string) (JWK, error)

func (f FetcherFunc) FetchKey(ctx context.Context, kid string) (JWK, error) { return f(ctx, kid) }

// LocalFetcher reads verification keys straight from the signing key repository.
type LocalFetcher struct {
	Repo Repository
	Now  func() time.Time
}

func (f LocalFetcher) FetchKey(ctx context.Context, kid string) (JWK, error) {
	k, err := f.Repo.Get(ctx, kid)
	if err != nil {
		return JWK{}, err
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	if !now().Before(k.ExpiresAt) {
		return JWK{}, ErrKeyNotFound
	}
	pub, err := ParsePublicKey(k.PublicPEM)
	if err != nil {
		return JWK{}, err
	}
	return NewJWK(k.Kid, pub), nil
}

// HTTPFetcher downloads the JWK set from a key distribution endpoint.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f HTTPFetcher) FetchKey(ctx context.Context, kid string) (JWK, error) {
	if f.URL == "" {
		return JWK{}, errors.New("keystore: jwks url not configured")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return JWK{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return JWK{}, fmt.Errorf("keystore: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return JWK{}, fmt.Errorf("keystore: fetch jwks: unexpected status %d", resp.StatusCode)
	}
	var set JWKSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return JWK{}, fmt.Errorf("keystore: decode jwks: %w", err)
	}
	k, ok := set.Find(kid)
	if !ok {
		return JWK{}, ErrKeyNotFound
	}
	return k, nil
}
