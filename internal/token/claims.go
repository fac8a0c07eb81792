package token

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the flows a token was issued for.
type Kind string

const (
	KindUser    Kind = "user"
	KindBot     Kind = "bot"
	KindSession Kind = "session"
)

// Token lifetimes.
const (
	UserTokenTTL = 10 * time.Minute
	BotTokenTTL  = time.Hour
)

// Wildcard grants every bot.
const Wildcard = "*"

// Claims is the payload of an authorization token. Tokens are never mutated; issue a new one.
type Claims struct {
	Kind      Kind     `json:"kind"`
	TenantID  string   `json:"tid,omitempty"`
	BotID     string   `json:"bid,omitempty"`
	Bots      []string `json:"bots,omitempty"`
	Quota     int64    `json:"quota"`
	Allow     bool     `json:"allow"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject user.
func (c *Claims) UserID() string { return c.Subject }

// CanAccess reports whether the token grants access to botID.
func (c *Claims) CanAccess(botID string) bool {
	if c == nil || !c.Allow || botID == "" {
		return false
	}
	if c.BotID == botID {
		return true
	}
	return slices.Contains(c.Bots, Wildcard) || slices.Contains(c.Bots, botID)
}

func (c *Claims) missing() bool {
	if c.Subject == "" {
		return true
	}
	switch c.Kind {
	case KindUser:
		return false
	case KindBot, KindSession:
		return c.BotID == ""
	default:
		return true
	}
}
