// Package botclient is the Go SDK used by external bots to talk to botgate: it
// authenticates the bot, keeps the connection alive, opens per-user sessions, calls the
// proxy and reports usage and errors in the background.
package botclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const userAgent = "botgate-go-sdk/0.1"

var (
	// ErrUnknownSession is returned, without network I/O, for session ids this client
	// did not create.
	ErrUnknownSession = errors.New("botclient: unknown session")
	// ErrSessionExpired is returned, without network I/O, once a session token expired.
	ErrSessionExpired = errors.New("botclient: session expired")
	// ErrNotConnected is returned by Flush before Connect succeeded.
	ErrNotConnected = errors.New("botclient: not connected")
)

// RetryConfig controls retries of 429, 502, 503 and 504 responses and transport errors.
// Proxied calls other than GET, HEAD and OPTIONS are repeated only on 429.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is a non-2xx response from botgate.
type Error struct {
	StatusCode int
	Message    string
	Reason     string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("botclient: status=%d reason=%s message=%s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("botclient: status=%d message=%s", e.StatusCode, e.Message)
}

// IsQuotaExceeded reports whether err is a 402 from the proxy.
func IsQuotaExceeded(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusPaymentRequired
}

// EventKind classifies connection events.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventReauthenticated EventKind = "reauthenticated"
	EventError           EventKind = "error"
	EventWarning         EventKind = "warning"
)

// Event is delivered on Events(). Slow consumers miss events.
type Event struct {
	Kind EventKind
	Err  error
	Time time.Time
}

// Client is safe for concurrent use.
type Client struct {
	baseURL       string
	botID         string
	botSecret     string
	httpClient    *http.Client
	timeout       time.Duration
	retry         RetryConfig
	log           logrus.FieldLogger
	pingInterval  time.Duration
	flushInterval time.Duration
	events        chan Event

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	connected bool
	authMu    sync.Mutex

	sessMu   sync.RWMutex
	sessions map[string]Session

	usage *buffer[UsageEvent]
	errs  *buffer[ErrorEvent]
	kick  chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout bounds every request. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPingInterval sets the liveness ping period. Default 60s.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithFlushInterval sets the telemetry flush period. Default 30s.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for botID. Nothing is sent until Connect.
func New(baseURL, botID, botSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		botID:         botID,
		botSecret:     botSecret,
		httpClient:    &http.Client{},
		timeout:       10 * time.Second,
		retry:         RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		log:           logrus.StandardLogger(),
		pingInterval:  60 * time.Second,
		flushInterval: 30 * time.Second,
		events:        make(chan Event, 32),
		sessions:      make(map[string]Session),
		usage:         newBuffer[UsageEvent](maxBuffered),
		errs:          newBuffer[ErrorEvent](maxBuffered),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	c.log = c.log.WithField("bot_id", botID)
	return c
}

// Events returns the connection event stream.
func (c *Client) Events() <-chan Event { return c.events }

// Connected reports whether the last authentication or ping succeeded.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) emit(kind EventKind, err error) {
	select {
	case c.events <- Event{Kind: kind, Err: err, Time: time.Now()}:
	default:
	}
}

func (c *Client) setConnected(ok bool) {
	c.mu.Lock()
	changed := c.connected != ok
	c.connected = ok
	c.mu.Unlock()
	if !changed {
		return
	}
	if ok {
		c.emit(EventConnected, nil)
	} else {
		c.emit(EventDisconnected, nil)
	}
}

// Connect authenticates and starts the ping and flush loops. Calling it again while
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if err := c.authenticate(ctx); err != nil {
		c.emit(EventError, err)
		return err
	}
	c.setConnected(true)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Close stops the background loops and flushes what is buffered, best effort, within ctx.
func (c *Client) Close(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	err := c.Flush(ctx)
	c.setConnected(false)
	return err
}

func (c *Client) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()
	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("ping failed")
			}
		case <-flush.C:
			c.flushLogged(ctx)
		case <-c.kick:
			c.flushLogged(ctx)
		}
	}
}

func (c *Client) flushLogged(ctx context.Context) {
	if err := c.Flush(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrNotConnected) {
		c.log.WithError(err).Warn("telemetry flush failed")
	}
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *Client) authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"botId": c.botID, "botSecret": c.botSecret})
	if err != nil {
		return err
	}
	res, err := c.send(ctx, http.MethodPost, "/bots/auth", body, "", retryAll)
	if err != nil {
		return err
	}
	var out authResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return fmt.Errorf("botclient: decode auth response: %w", err)
	}
	if out.Token == "" {
		return errors.New("botclient: empty token in auth response")
	}
	c.mu.Lock()
	c.token, c.expiresAt = out.Token, out.ExpiresAt
	c.mu.Unlock()
	return nil
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// reauthenticate refreshes the bot token unless another goroutine already did.
func (c *Client) reauthenticate(ctx context.Context, stale string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if cur := c.currentToken(); cur != "" && cur != stale {
		return nil
	}
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.emit(EventReauthenticated, nil)
	return nil
}

// authed sends a bot-token request. A 401 triggers one re-authentication and one retry;
// a second failure emits an error event and marks the client disconnected.
func (c *Client) authed(ctx context.Context, method, path string, payload any) (*response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	tok := c.currentToken()
	res, err := c.send(ctx, method, path, body, tok, retryAll)
	if !isUnauthorized(err) {
		return res, err
	}
	if aerr := c.reauthenticate(ctx, tok); aerr != nil {
		c.emit(EventError, aerr)
		c.setConnected(false)
		return nil, aerr
	}
	res, err = c.send(ctx, method, path, body, c.currentToken(), retryAll)
	if isUnauthorized(err) {
		c.emit(EventError, err)
		c.setConnected(false)
	}
	return res, err
}

func isUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusUnauthorized
}

// Ping checks liveness of the connection.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.authed(ctx, http.MethodGet, "/bots/ping", nil); err != nil {
		c.setConnected(false)
		return err
	}
	c.setConnected(true)
	return nil
}

// retryMode says which failures a request may be repeated after.
type retryMode int

const (
	// noRetry sends once.
	noRetry retryMode = iota
	// retryThrottled repeats only on 429, which is answered before anything is forwarded
	// or executed.
	retryThrottled
	// retryAll also repeats transport errors, 502, 503 and 504. Only for requests that are
	// safe to execute twice.
	retryAll
)

// proxyRetry picks the mode for a proxied call. A timed-out or failed non-idempotent
// request may already have reached the bot and been charged.
func proxyRetry(method string) retryMode {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return retryAll
	}
	return retryThrottled
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// send performs one logical request with retries on transport errors and retryable
// statuses. Non-2xx responses become *Error.
func (c *Client) send(ctx context.Context, method, path string, body []byte, bearer string, mode retryMode) (*response, error) {
	return c.sendWith(ctx, method, path, body, bearer, nil, mode)
}

func (c *Client) sendWith(ctx context.Context, method, path string, body []byte, bearer string, extra http.Header, mode retryMode) (*response, error) {
	attempts := 1
	if mode != noRetry {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; ; attempt++ {
		res, err := c.once(ctx, method, path, body, bearer, extra)
		if err != nil {
			if mode == retryAll && attempt < attempts && ctx.Err() == nil {
				if serr := sleepWithBackoff(ctx, c.retry, attempt, ""); serr != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if res.status >= 200 && res.status < 300 {
			return res, nil
		}
		if shouldRetryStatus(res.status, mode) && attempt < attempts {
			if serr := sleepWithBackoff(ctx, c.retry, attempt, res.header.Get("Retry-After")); serr != nil {
				return nil, parseError(res)
			}
			continue
		}
		return res, parseError(res)
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, bearer string, extra http.Header) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func shouldRetryStatus(status int, mode retryMode) bool {
	switch {
	case mode == noRetry:
		return false
	case status == http.StatusTooManyRequests:
		return true
	}
	return mode == retryAll && (status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout)
}

func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) error {
	d := -1 * time.Second
	if s := strings.TrimSpace(retryAfter); s != "" {
		if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
			d = min(time.Duration(sec)*time.Second, cfg.MaxDelay)
		}
	}
	if d < 0 {
		ceil := math.Min(float64(cfg.BaseDelay)*math.Pow(2, float64(attempt-1)), float64(cfg.MaxDelay))
		n, err := rand.Int(rand.Reader, big.NewInt(int64(ceil)+1))
		if err != nil {
			d = time.Duration(ceil)
		} else {
			d = time.Duration(n.Int64())
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseError(res *response) error {
	out := &Error{StatusCode: res.status}
	var obj map[string]any
	if err := json.Unmarshal(res.body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(res.body))
		if out.Message == "" {
			out.Message = http.StatusText(res.status)
		}
		return out
	}
	out.Message, _ = obj["error"].(string)
	out.Reason, _ = obj["reason"].(string)
	out.RequestID, _ = obj["request_id"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(res.status)
	}
	return out
}
