package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"botgate.io/internal/events"
	"botgate.io/internal/keystore"
	"botgate.io/internal/obs"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/registration"
	"botgate.io/internal/telemetry"
	"botgate.io/internal/token"
)

const (
	serviceName = "botgate"
	timeLayout  = time.RFC3339
)

// ReadyProbe pings the configured backing stores.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.Cmdable
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Tokens issues and verifies authorization tokens.
type Tokens interface {
	Issue(ctx context.Context, claims token.Claims, ttl time.Duration) (string, time.Time, error)
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// KeySet publishes verification keys.
type KeySet interface {
	JWKS(ctx context.Context) (keystore.JWKSet, error)
}

// Proxy forwards bot-facing traffic.
type Proxy interface {
	Proxy(w http.ResponseWriter, r *http.Request, botID, subPath string)
}

// Deps are the components served by the HTTP surface.
type Deps struct {
	Tokens       Tokens
	Keys         KeySet
	Policy       *policy.Evaluator
	Ledger       quota.Ledger
	Proxy        Proxy
	Registration *registration.Service
	Telemetry    *telemetry.Service
	Events       *events.Bus
	Ready        readinessChecker
	Version      string
}

// API is the HTTP layer.
type API struct {
	deps       Deps
	router     chi.Router
	apiKey     string
	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option configures API.
type Option func(*API)

// WithAPIKey guards POST /auth/token with the X-Api-Key header. Without it the endpoint
// answers 503.
func WithAPIKey(key string) Option {
	return func(a *API) { a.apiKey = key }
}

// WithRateLimit sets the per-IP bucket applied to credential and registration endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithMaxBodyBytes bounds JSON request bodies outside the proxy.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(deps Deps, opts ...Option) *API {
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	a := &API{
		deps:       deps,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Recovery, LoggingJSON, SecurityHeaders, CORS)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Get("/.well-known/jwks.json", a.JWKS)

	r.HandleFunc("/proxy/{botId}", a.proxy)
	r.HandleFunc("/proxy/{botId}/*", a.proxy)

	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })

		r.Method(http.MethodPost, "/auth/token", limited(a.TokenAction))

		r.Route("/bots", func(r chi.Router) {
			r.Method(http.MethodPost, "/request", limited(a.SubmitBotRequest))
			r.Get("/request", a.BotRequestStatus)
			r.With(a.requireSuperAdmin).Patch("/request/{requestId}", a.DecideBotRequest)

			r.Method(http.MethodPost, "/auth", limited(a.AuthenticateBot))
			r.Group(func(r chi.Router) {
				r.Use(a.requireToken(token.KindBot))
				r.Get("/ping", a.Ping)
				r.Post("/sessions", a.OpenSession)
				r.Post("/usage", a.RecordUsage)
				r.Post("/errors", a.RecordErrors)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireSuperAdmin)
			r.Post("/usage/reset", a.ResetUsage)
			r.Put("/quota/limit", a.SetLimit)
			r.Get("/quota/balance", a.QuotaBalance)
			r.Get("/quota/records", a.QuotaRecords)
			r.Get("/bots/{botId}/errors", a.BotErrors)
			r.Get("/events", a.Stream)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found", nil)
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// JWKS publishes the verification keys of every non-expired signing key.
func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		respondError(w, r, http.StatusNotFound, "key distribution disabled", nil)
		return
	}
	set, err := a.deps.Keys.JWKS(r.Context())
	if err != nil {
		logFor(r).WithError(err).Error("jwks")
		respondError(w, r, http.StatusServiceUnavailable, "keys unavailable", nil)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func (a *API) proxy(w http.ResponseWriter, r *http.Request) {
	sub := chi.URLParam(r, "*")
	if sub != "" {
		sub = "/" + sub
	}
	a.deps.Proxy.Proxy(w, r, chi.URLParam(r, "botId"), sub)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	body := map[string]any{"error": msg}
	if rid := requestIDFrom(r); rid != "" {
		body["request_id"] = rid
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return false
		}
		respondError(w, r, http.StatusBadRequest, "invalid JSON body", map[string]any{"details": err.Error()})
		return false
	}
	return true
}
