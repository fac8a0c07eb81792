package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"botgate.io/internal/ids"
	"botgate.io/internal/keystore"
)

const maxIssuedAtSkew = 5 * time.Second

// KeySource supplies signing and verification keys.
type KeySource interface {
	SigningKey(ctx context.Context) (keystore.SigningKey, error)
	VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Codec issues and verifies RS256 authorization tokens.
type Codec struct {
	keys   KeySource
	issuer string
	now    func() time.Time
}

// Option configures Codec.
type Option func(*Codec)

func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewCodec(keys KeySource, opts ...Option) *Codec {
	c := &Codec{keys: keys, issuer: "botgate", now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue signs claims for ttl and returns the token with its expiry. Registered time claims,
// issuer and token id are set by the codec.
func (c *Codec) Issue(ctx context.Context, claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, ErrInvalidTTL
	}
	if claims.Kind == "" {
		claims.Kind = KindUser
	}
	if claims.missing() {
		return "", time.Time{}, ErrMissingClaims
	}
	key, err := c.keys.SigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: signing key: %w", err)
	}

	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = ids.WithPrefix(ids.PrefixToken)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and claim completeness. Every failure is a *VerifyError.
// A token presented at exactly its exp second is expired.
func (c *Codec) Verify(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &VerifyError{Reason: ReasonMalformed, Err: errors.New("empty token")}
	}

	var keyErr error
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = keystore.ErrKeyNotFound
			return nil, keyErr
		}
		pub, err := c.keys.VerificationKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return pub, nil
	})
	if err != nil {
		return nil, classify(err, keyErr)
	}

	if iat := claims.IssuedAt; iat != nil && iat.Time.After(c.now().Add(maxIssuedAtSkew)) {
		return nil, &VerifyError{Reason: ReasonMalformed, Err: errors.New("issued in the future")}
	}
	if claims.missing() {
		return nil, &VerifyError{Reason: ReasonMissingClaims, Err: ErrMissingClaims}
	}
	return claims, nil
}

func classify(err, keyErr error) *VerifyError {
	switch {
	case keyErr != nil && errors.Is(keyErr, keystore.ErrKeyUnavailable):
		return &VerifyError{Reason: ReasonKeyUnavailable, Err: keyErr}
	case keyErr != nil:
		return &VerifyError{Reason: ReasonSignatureMismatch, Err: keyErr}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Reason: ReasonMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &VerifyError{Reason: ReasonSignatureMismatch, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Reason: ReasonExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return &VerifyError{Reason: ReasonMissingClaims, Err: err}
	default:
		return &VerifyError{Reason: ReasonMalformed, Err: err}
	}
}
