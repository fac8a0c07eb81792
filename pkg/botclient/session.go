package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Proxy response headers.
const (
	headerTokensRequest     = "X-Tokens-Used-Request"
	headerTokensResponse    = "X-Tokens-Used-Response"
	headerTokensTotal       = "X-Tokens-Used-Total"
	headerRemainingTokens   = "X-Remaining-Tokens"
	headerTokenLimit        = "X-Token-Limit"
	headerRegistrationError = "X-Token-Registration-Error"
	headerErrorDetails      = "X-Token-Error-Details"
)

// Session is a per-user session opened by the bot.
type Session struct {
	ID        string
	UserID    string
	TenantID  string
	Token     string
	ExpiresAt time.Time
}

func (s Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type sessionResponse struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateUserSession opens a session for userID in tenantID and remembers its token.
func (c *Client) CreateUserSession(ctx context.Context, userID, tenantID string) (Session, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(tenantID) == "" {
		return Session{}, fmt.Errorf("botclient: userId and tenantId are required")
	}
	res, err := c.authed(ctx, http.MethodPost, "/bots/sessions", map[string]string{
		"userId":   userID,
		"tenantId": tenantID,
	})
	if err != nil {
		return Session{}, err
	}
	var out sessionResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return Session{}, fmt.Errorf("botclient: decode session: %w", err)
	}
	s := Session{ID: out.SessionID, UserID: userID, TenantID: tenantID, Token: out.Token, ExpiresAt: out.ExpiresAt}
	c.sessMu.Lock()
	c.sessions[s.ID] = s
	c.sessMu.Unlock()
	return s, nil
}

// Session returns a session created by this client.
func (c *Client) Session(id string) (Session, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// EndSession forgets a session locally.
func (c *Client) EndSession(id string) {
	c.sessMu.Lock()
	delete(c.sessions, id)
	c.sessMu.Unlock()
}

// Usage is the token accounting reported by the proxy for one call.
type Usage struct {
	Request   int64
	Response  int64
	Total     int64
	Remaining int64
	Limit     int64
}

// Response is an origin response relayed by the proxy. LedgerError is set when the
// gateway delivered the response but could not record its usage.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Usage       Usage
	LedgerError string
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error { return json.Unmarshal(r.Body, v) }

// Call forwards a request to the bot's origin through the proxy on behalf of a session.
// path is relative to the bot origin and must start with "/".
func (c *Client) Call(ctx context.Context, sessionID, method, path string, body []byte) (*Response, error) {
	s, ok := c.Session(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	res, err := c.send(ctx, method, "/proxy/"+c.botID+path, body, s.Token, proxyRetry(method))
	if err != nil {
		return nil, err
	}
	out := &Response{
		StatusCode: res.status,
		Header:     res.header,
		Body:       bytes.Clone(res.body),
		Usage: Usage{
			Request:   headerInt(res.header, headerTokensRequest),
			Response:  headerInt(res.header, headerTokensResponse),
			Total:     headerInt(res.header, headerTokensTotal),
			Remaining: headerInt(res.header, headerRemainingTokens),
			Limit:     headerInt(res.header, headerTokenLimit),
		},
	}
	if res.header.Get(headerRegistrationError) == "true" {
		out.LedgerError = res.header.Get(headerErrorDetails)
		if out.LedgerError == "" {
			out.LedgerError = "usage not recorded"
		}
		c.log.WithField("session_id", sessionID).Warn("proxy could not record usage: " + out.LedgerError)
	}
	return out, nil
}

func headerInt(h http.Header, key string) int64 {
	n, _ := strconv.ParseInt(h.Get(key), 10, 64)
	return n
}
