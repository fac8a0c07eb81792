package tenancy

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("tenancy: not found")
	ErrConflict = errors.New("tenancy: conflict")
)

// Principal is a dashboard user. Super-admins bypass tenant-scoped checks.
type Principal struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	SuperAdmin bool      `json:"super_admin"`
	TenantIDs  []string  `json:"tenant_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tenant is a billing and access boundary.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	TokenLimit int64     `json:"token_limit"`
	CreatedAt  time.Time `json:"created_at"`
}

// Bot is a registered external service.
type Bot struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Capabilities        []string  `json:"capabilities,omitempty"`
	MaxTokensPerRequest int64     `json:"max_tokens_per_request"`
	Website             string    `json:"website,omitempty"`
	ContactEmail        string    `json:"contact_email"`
	Active              bool      `json:"active"`
	SecretHash          string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// TenantBotLink governs whether a tenant's users may reach a bot at all.
type TenantBotLink struct {
	TenantID  string    `json:"tenant_id"`
	BotID     string    `json:"bot_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// UserBotAuthorization is the per-user switch for a bot within a tenant.
type UserBotAuthorization struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
	Enabled  bool   `json:"enabled"`
}

// TenantUser is a principal's membership in a tenant.
type TenantUser struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	AllowBotAccess bool   `json:"allow_bot_access"`
	// TokenLimit overrides the tenant ceiling for this user when positive.
	TokenLimit int64 `json:"token_limit"`
}

// RequestStatus is the lifecycle state of a BotRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// BotRequest is a registration request for a new external bot.
type BotRequest struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	NameKey             string        `json:"-"`
	Description         string        `json:"description,omitempty"`
	Capabilities        []string      `json:"capabilities,omitempty"`
	ContactEmail        string        `json:"contact_email"`
	Website             string        `json:"website,omitempty"`
	MaxTokensPerRequest int64         `json:"max_tokens_per_request"`
	Status              RequestStatus `json:"status"`
	Attempts            int           `json:"attempts"`
	Message             string        `json:"message,omitempty"`
	BotID               string        `json:"bot_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}
