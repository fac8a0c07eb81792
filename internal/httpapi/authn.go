package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"

	"botgate.io/internal/token"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-Api-Key"
	bearer       = "Bearer "
)

// requireToken verifies the bearer token and admits only the given kinds.
func (a *API) requireToken(kinds ...token.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := a.authenticate(w, r)
			if !ok {
				return
			}
			if len(kinds) > 0 && !slices.Contains(kinds, claims.Kind) {
				respondError(w, r, http.StatusForbidden, "token kind not accepted", map[string]any{"reason": "wrong_token_kind"})
				return
			}
			next.ServeHTTP(w, r.WithContext(token.ContextWithClaims(r.Context(), claims)))
		})
	}
}

// requireSuperAdmin admits user tokens whose subject is a super-admin principal.
func (a *API) requireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		if claims.Kind != token.KindUser {
			respondError(w, r, http.StatusForbidden, "super-admin required", map[string]any{"reason": "wrong_token_kind"})
			return
		}
		admin, err := a.deps.Policy.IsSuperAdmin(r.Context(), claims.Subject)
		if err != nil {
			logFor(r).WithError(err).Error("super-admin lookup")
			respondError(w, r, http.StatusInternalServerError, "authorization error", nil)
			return
		}
		if !admin {
			respondError(w, r, http.StatusForbidden, "super-admin required", map[string]any{"reason": "not_super_admin"})
			return
		}
		next.ServeHTTP(w, r.WithContext(token.ContextWithClaims(r.Context(), claims)))
	})
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (*token.Claims, bool) {
	raw, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="botgate"`)
		respondError(w, r, http.StatusUnauthorized, err.Error(), nil)
		return nil, false
	}
	claims, err := a.deps.Tokens.Verify(r.Context(), raw)
	if err != nil {
		reason, _ := token.ReasonOf(err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="botgate", error="invalid_token"`)
		respondError(w, r, http.StatusUnauthorized, "invalid token", map[string]any{"reason": reason})
		return nil, false
	}
	return claims, true
}

// apiKeyOK reports whether the request carries the configured service key. Without a
// configured key nothing passes.
func (a *API) apiKeyOK(r *http.Request) bool {
	if a.apiKey == "" {
		return false
	}
	got := r.Header.Get(apiKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKey)) == 1
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}
