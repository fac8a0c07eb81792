// Package gateway forwards bot-facing traffic to bot origins under token, policy and
// quota control.
//
// Per request: verify token, evaluate policy, check balance, reserve, forward, measure,
// settle, attach usage headers, respond. Quota is reserved before forwarding and settled
// to the measured amount afterwards, so concurrent requests of one principal can never
// commit more than the limit.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"botgate.io/internal/events"
	"botgate.io/internal/obs"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

// User-visible error messages.
const (
	MsgInvalidToken      = "Token inválido ou expirado"
	MsgAccessDenied      = "Acesso negado ao bot"
	MsgInsufficientQuota = "Saldo insuficiente de tokens"
	MsgUpstream          = "Erro ao comunicar com o bot"
	MsgUpstreamTimeout   = "Tempo esgotado ao comunicar com o bot"
	MsgUpstreamTooLarge  = "Resposta do bot muito grande"
	MsgBotNotFound       = "Bot não encontrado"
	MsgBotUnavailable    = "Bot indisponível"
	MsgPayloadTooLarge   = "Requisição muito grande"
	MsgInternal          = "Erro interno"
)

// Defaults.
const (
	DefaultOriginTimeout       = 10 * time.Second
	DefaultReservationTTL      = time.Minute
	DefaultMaxTokensPerRequest = 4096
	DefaultMaxBodyBytes        = 4 << 20
	DefaultMaxResponseBytes    = 32 << 20
	ledgerTimeout              = 5 * time.Second
)

// ErrResponseTooLarge is returned by forward when the origin body exceeds the limit.
var ErrResponseTooLarge = errors.New("gateway: origin response too large")

// Verifier verifies authorization tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// Gateway is the proxy handler mounted at /proxy/{botId}.
type Gateway struct {
	verifier Verifier
	policy   *policy.Evaluator
	dir      tenancy.Directory
	ledger   quota.Ledger
	client   *http.Client
	events   events.Publisher
	log      logrus.FieldLogger

	originTimeout    time.Duration
	reservationTTL   time.Duration
	defaultMaxTokens int64
	maxBodyBytes     int64
	maxResponseBytes int64
}

// Option configures Gateway.
type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

func WithOriginTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.originTimeout = d
		}
	}
}

func WithReservationTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.reservationTTL = d
		}
	}
}

// WithDefaultMaxTokens sets the response allowance reserved for bots without their own ceiling.
func WithDefaultMaxTokens(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.defaultMaxTokens = n
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBodyBytes = n
		}
	}
}

// WithMaxResponseBytes caps the origin response body. Larger responses fail with 502
// instead of being cut short.
func WithMaxResponseBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxResponseBytes = n
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(g *Gateway) {
		if p != nil {
			g.events = p
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func New(v Verifier, pol *policy.Evaluator, dir tenancy.Directory, ledger quota.Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		verifier:         v,
		policy:           pol,
		dir:              dir,
		ledger:           ledger,
		client:           &http.Client{},
		events:           events.Discard,
		log:              obs.Logger().WithField("component", "gateway"),
		originTimeout:    DefaultOriginTimeout,
		reservationTTL:   DefaultReservationTTL,
		defaultMaxTokens: DefaultMaxTokensPerRequest,
		maxBodyBytes:     DefaultMaxBodyBytes,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SplitPath extracts the bot id and the remaining sub-path from /proxy/{botId}/rest.
func SplitPath(p string) (botID, rest string) {
	p = strings.TrimPrefix(p, "/proxy/")
	botID, rest, _ = strings.Cut(p, "/")
	if rest != "" {
		rest = "/" + rest
	}
	return botID, rest
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	botID, rest := SplitPath(r.URL.Path)
	g.Proxy(w, r, botID, rest)
}

// Proxy handles one request for botID, forwarding it to the origin with subPath appended.
func (g *Gateway) Proxy(w http.ResponseWriter, r *http.Request, botID, subPath string) {
	ctx := r.Context()
	log := g.log.WithField("bot_id", botID)

	claims, err := g.verifier.Verify(ctx, TokenFromRequest(r))
	if err != nil {
		reason, _ := token.ReasonOf(err)
		g.fail(w, "unauthorized", http.StatusUnauthorized, map[string]any{"error": MsgInvalidToken, "reason": reason})
		return
	}
	if botID == "" || !claims.CanAccess(botID) {
		g.fail(w, "forbidden", http.StatusForbidden, map[string]any{"error": MsgAccessDenied, "reason": "bot_not_granted"})
		return
	}
	log = log.WithFields(logrus.Fields{"user_id": claims.Subject, "tenant_id": claims.TenantID})

	bot, err := g.dir.Bot(ctx, botID)
	switch {
	case errors.Is(err, tenancy.ErrNotFound):
		g.fail(w, "not_found", http.StatusNotFound, map[string]any{"error": MsgBotNotFound})
		return
	case err != nil:
		log.WithError(err).Error("load bot")
		g.fail(w, "error", http.StatusInternalServerError, map[string]any{"error": MsgInternal})
		return
	case !bot.Active:
		g.fail(w, "forbidden", http.StatusForbidden, map[string]any{"error": MsgAccessDenied, "reason": "bot_inactive"})
		return
	case bot.Website == "":
		g.fail(w, "upstream_error", http.StatusBadGateway, map[string]any{"error": MsgBotUnavailable})
		return
	}

	decision, err := g.policy.Evaluate(ctx, policy.Subject{UserID: claims.Subject, TenantID: claims.TenantID, BotID: botID})
	if err != nil {
		log.WithError(err).Error("evaluate policy")
		g.fail(w, "error", http.StatusInternalServerError, map[string]any{"error": MsgInternal})
		return
	}
	if !decision.Granted {
		g.fail(w, "forbidden", http.StatusForbidden, map[string]any{"error": MsgAccessDenied, "reason": decision.Reason})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.fail(w, "bad_request", http.StatusRequestEntityTooLarge, map[string]any{"error": MsgPayloadTooLarge})
			return
		}
		g.fail(w, "bad_request", http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	reqTokens := EstimateTokens(len(body))

	scope := quota.Scope{UserID: claims.Subject, TenantID: claims.TenantID, BotID: botID}
	before, err := g.ledger.Balance(ctx, scope)
	if err != nil {
		log.WithError(err).Error("read balance")
		g.fail(w, "error", http.StatusInternalServerError, map[string]any{"error": MsgInternal})
		return
	}
	if before.Remaining() <= 0 || reqTokens > before.Remaining() {
		g.insufficient(w, before, reqTokens)
		return
	}

	allowance := bot.MaxTokensPerRequest
	if allowance <= 0 {
		allowance = g.defaultMaxTokens
	}
	hold := min(before.Remaining(), reqTokens+allowance)
	rsv, _, err := g.ledger.Reserve(ctx, scope, hold, g.reservationTTL)
	if err != nil {
		var qe *quota.Error
		if errors.As(err, &qe) {
			g.insufficient(w, qe.Balance, reqTokens)
			return
		}
		log.WithError(err).Error("reserve quota")
		g.fail(w, "error", http.StatusInternalServerError, map[string]any{"error": MsgInternal})
		return
	}

	// The origin call outlives a disconnecting client so its usage is still recorded.
	fwdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.originTimeout)
	defer cancel()

	resp, respBody, err := g.forward(fwdCtx, r, bot, subPath, body, scope)
	if err != nil {
		g.release(rsv, log)
		if errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Warn("origin timeout")
			g.fail(w, "upstream_timeout", http.StatusGatewayTimeout, map[string]any{"error": MsgUpstreamTimeout})
			return
		}
		if errors.Is(err, ErrResponseTooLarge) {
			log.WithField("limit", g.maxResponseBytes).Warn("origin response too large")
			g.fail(w, "upstream_too_large", http.StatusBadGateway, map[string]any{"error": MsgUpstreamTooLarge})
			return
		}
		log.WithError(err).Warn("origin unreachable")
		g.fail(w, "upstream_error", http.StatusBadGateway, map[string]any{"error": MsgUpstream})
		return
	}

	usage := Usage{Request: reqTokens, Response: EstimateTokens(len(respBody))}
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancelSettle()
	_, after, settleErr := g.ledger.Settle(settleCtx, rsv, usage.Total(), quota.Action{
		Type: "proxy",
		Metadata: map[string]string{
			"method":          r.Method,
			"path":            subPath,
			"status":          strconv.Itoa(resp.StatusCode),
			"request_tokens":  strconv.FormatInt(usage.Request, 10),
			"response_tokens": strconv.FormatInt(usage.Response, 10),
		},
	})

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	setUsageHeaders(h, usage)
	outcome := "ok"
	if settleErr != nil {
		outcome = "ledger_error"
		g.inconsistent(h, rsv, usage, settleErr, log)
	} else {
		setBalanceHeaders(h, before, after)
		if after.Remaining() == 0 {
			g.events.Publish(events.Event{
				Kind:     events.KindQuotaExhausted,
				UserID:   scope.UserID,
				TenantID: scope.TenantID,
				BotID:    scope.BotID,
				Attrs:    map[string]string{"limit": strconv.FormatInt(after.Limit, 10)},
			})
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	obs.ProxyRequests.WithLabelValues(outcome).Inc()
}

func (g *Gateway) forward(ctx context.Context, in *http.Request, bot tenancy.Bot, subPath string, body []byte, scope quota.Scope) (*http.Response, []byte, error) {
	target, err := targetURL(bot.Website, subPath, in.URL.Query())
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: origin url: %w", err)
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	out.Header = outboundHeaders(in.Header)
	out.Header.Set(HeaderBotUserID, scope.UserID)
	out.Header.Set(HeaderBotTenantID, scope.TenantID)
	out.Header.Set(HeaderBotID, scope.BotID)

	start := time.Now()
	resp, err := g.client.Do(out)
	obs.ProxyUpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, g.maxResponseBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if int64(len(respBody)) > g.maxResponseBytes {
		return nil, nil, ErrResponseTooLarge
	}
	return resp, respBody, nil
}

func (g *Gateway) release(rsv quota.Reservation, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := g.ledger.Release(ctx, rsv); err != nil {
		log.WithError(err).WithField("reservation_id", rsv.ID).Warn("release reservation")
	}
}

// inconsistent flags a response that was delivered without its usage being recorded.
func (g *Gateway) inconsistent(h http.Header, rsv quota.Reservation, usage Usage, err error, log logrus.FieldLogger) {
	h.Set(HeaderRegistrationError, "true")
	h.Set(HeaderErrorDetails, err.Error())
	if !errors.Is(err, quota.ErrQuotaOverflow) {
		g.release(rsv, log)
	}
	log.WithError(err).WithFields(logrus.Fields{
		"reservation_id": rsv.ID,
		"reserved":       rsv.Amount,
		"measured":       usage.Total(),
	}).Error("usage not recorded after forward")
	g.events.Publish(events.Event{
		Kind:     events.KindLedgerInconsistency,
		UserID:   rsv.Scope.UserID,
		TenantID: rsv.Scope.TenantID,
		BotID:    rsv.Scope.BotID,
		Attrs: map[string]string{
			"reservation_id": rsv.ID,
			"tokens":         strconv.FormatInt(usage.Total(), 10),
			"error":          err.Error(),
		},
	})
}

func (g *Gateway) insufficient(w http.ResponseWriter, bal quota.Balance, requested int64) {
	g.fail(w, "quota_exceeded", http.StatusPaymentRequired, map[string]any{
		"error": MsgInsufficientQuota,
		"details": map[string]int64{
			"limit":     bal.Limit,
			"used":      bal.Used,
			"remaining": bal.Remaining(),
			"requested": requested,
		},
	})
}

func (g *Gateway) fail(w http.ResponseWriter, outcome string, status int, body map[string]any) {
	obs.ProxyRequests.WithLabelValues(outcome).Inc()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
