package httpapi

import (
	"net/http"
	"strings"

	"botgate.io/internal/audit"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/token"
)

type tokenActionRequest struct {
	Action   string `json:"action"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	BotID    string `json:"botId,omitempty"`
	Token    string `json:"token,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Allow     bool   `json:"allow"`
	Quota     int64  `json:"quota"`
}

// TokenAction serves POST /auth/token: generate, verify and check-access.
func (a *API) TokenAction(w http.ResponseWriter, r *http.Request) {
	if a.apiKey == "" {
		respondError(w, r, http.StatusServiceUnavailable, "token endpoint disabled", map[string]any{"reason": "no_service_api_key"})
		return
	}
	if !a.apiKeyOK(r) {
		respondError(w, r, http.StatusUnauthorized, "invalid api key", nil)
		return
	}
	var req tokenActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch strings.TrimSpace(req.Action) {
	case "generate":
		a.generateToken(w, r, req)
	case "verify":
		claims, err := a.deps.Tokens.Verify(r.Context(), req.Token)
		if err != nil {
			reason, _ := token.ReasonOf(err)
			respondError(w, r, http.StatusUnauthorized, "invalid token", map[string]any{"reason": reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payload": claims})
	case "check-access":
		if req.BotID == "" {
			respondError(w, r, http.StatusBadRequest, "botId is required", nil)
			return
		}
		claims, err := a.deps.Tokens.Verify(r.Context(), req.Token)
		writeJSON(w, http.StatusOK, map[string]any{"hasAccess": err == nil && claims.CanAccess(req.BotID)})
	default:
		respondError(w, r, http.StatusBadRequest, "unknown action", map[string]any{"allowed": []string{"generate", "verify", "check-access"}})
	}
}

func (a *API) generateToken(w http.ResponseWriter, r *http.Request, req tokenActionRequest) {
	ctx := r.Context()
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, r, http.StatusBadRequest, "userId is required", nil)
		return
	}
	subject := policy.Subject{UserID: req.UserID, TenantID: req.TenantID, BotID: req.BotID}
	decision, err := a.deps.Policy.Evaluate(ctx, subject)
	if err != nil {
		logFor(r).WithError(err).Error("evaluate policy")
		respondError(w, r, http.StatusInternalServerError, "policy evaluation failed", nil)
		return
	}
	if req.BotID != "" && !decision.Granted {
		respondError(w, r, http.StatusForbidden, "sem permissão", map[string]any{"reason": decision.Reason})
		return
	}

	claims := token.Claims{Kind: token.KindUser, TenantID: req.TenantID, Allow: decision.Granted}
	claims.Subject = req.UserID
	switch {
	case decision.SuperAdmin:
		claims.Bots = []string{token.Wildcard}
	case req.BotID != "":
		claims.BotID = req.BotID
		claims.Bots = []string{req.BotID}
	}
	if req.BotID != "" {
		bal, err := a.deps.Ledger.Balance(ctx, quota.Scope{UserID: req.UserID, TenantID: req.TenantID, BotID: req.BotID})
		if err != nil {
			logFor(r).WithError(err).Error("quota snapshot")
			respondError(w, r, http.StatusInternalServerError, "quota lookup failed", nil)
			return
		}
		claims.Quota = bal.Limit
	}

	raw, exp, err := a.deps.Tokens.Issue(ctx, claims, token.UserTokenTTL)
	if err != nil {
		logFor(r).WithError(err).Error("issue token")
		respondError(w, r, http.StatusServiceUnavailable, "token issuance failed", nil)
		return
	}
	_ = audit.LogEvent(ctx, "token.issued", map[string]any{
		"user_id":   req.UserID,
		"tenant_id": req.TenantID,
		"bot_id":    req.BotID,
		"allow":     claims.Allow,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     raw,
		ExpiresAt: exp.UTC().Format(timeLayout),
		Allow:     claims.Allow,
		Quota:     claims.Quota,
	})
}
