package botclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Registration request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Submission is a bot registration request.
type Submission struct {
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	Capabilities        []string `json:"capabilities,omitempty"`
	ContactEmail        string   `json:"contactEmail"`
	Website             string   `json:"website,omitempty"`
	MaxTokensPerRequest int64    `json:"maxTokensPerRequest,omitempty"`
}

// Receipt acknowledges a submission.
type Receipt struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Message   string `json:"message,omitempty"`
}

// RequestStatus is the public view of a registration request.
type RequestStatus struct {
	RequestID string    `json:"requestId"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message,omitempty"`
	BotID     string    `json:"botId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Approval carries the credentials minted for an approved bot. BotSecret is only
// returned once.
type Approval struct {
	RequestID string
	Status    string
	BotID     string
	BotSecret string
	Tenants   []string
}

// Registrar talks to the registration endpoints. It needs no bot credentials.
type Registrar struct {
	c *Client
}

// NewRegistrar shares Client's transport, retry and timeout options.
func NewRegistrar(baseURL string, opts ...Option) *Registrar {
	return &Registrar{c: New(baseURL, "", "", opts...)}
}

// Submit files or resubmits a registration request. It is never retried since every
// accepted submission counts as an attempt.
func (r *Registrar) Submit(ctx context.Context, s Submission) (Receipt, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Receipt{}, err
	}
	res, err := r.c.send(ctx, http.MethodPost, "/bots/request", body, "", noRetry)
	if err != nil {
		return Receipt{}, err
	}
	var out Receipt
	if err := json.Unmarshal(res.body, &out); err != nil {
		return Receipt{}, fmt.Errorf("botclient: decode receipt: %w", err)
	}
	return out, nil
}

// Status looks up a request by id.
func (r *Registrar) Status(ctx context.Context, requestID string) (RequestStatus, error) {
	res, err := r.c.send(ctx, http.MethodGet, "/bots/request?requestId="+url.QueryEscape(requestID), nil, "", retryAll)
	if err != nil {
		return RequestStatus{}, err
	}
	var out RequestStatus
	if err := json.Unmarshal(res.body, &out); err != nil {
		return RequestStatus{}, fmt.Errorf("botclient: decode status: %w", err)
	}
	return out, nil
}

// Decide approves or rejects a pending request. adminToken must belong to a super-admin.
func (r *Registrar) Decide(ctx context.Context, adminToken, requestID, status, message string) (Approval, error) {
	body, err := json.Marshal(map[string]string{"status": status, "message": message})
	if err != nil {
		return Approval{}, err
	}
	res, err := r.c.send(ctx, http.MethodPatch, "/bots/request/"+url.PathEscape(requestID), body, adminToken, noRetry)
	if err != nil {
		return Approval{}, err
	}
	var out struct {
		Request struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			BotID  string `json:"bot_id"`
		} `json:"request"`
		BotSecret string `json:"botSecret"`
		Links     []struct {
			TenantID string `json:"tenant_id"`
		} `json:"links"`
	}
	if err := json.Unmarshal(res.body, &out); err != nil {
		return Approval{}, fmt.Errorf("botclient: decode decision: %w", err)
	}
	a := Approval{
		RequestID: out.Request.ID,
		Status:    out.Request.Status,
		BotID:     out.Request.BotID,
		BotSecret: out.BotSecret,
	}
	for _, l := range out.Links {
		a.Tenants = append(a.Tenants, l.TenantID)
	}
	return a, nil
}

// UserToken mints a user token through /auth/token. botID may be empty for an
// identity token.
func (r *Registrar) UserToken(ctx context.Context, apiKey, userID, tenantID, botID string) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"action":   "generate",
		"userId":   userID,
		"tenantId": tenantID,
		"botId":    botID,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	res, err := r.c.sendWith(ctx, http.MethodPost, "/auth/token", body, "", http.Header{"X-Api-Key": []string{apiKey}}, retryAll)
	if err != nil {
		return "", time.Time{}, err
	}
	var out authResponse
	if err := json.Unmarshal(res.body, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("botclient: decode token: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}
