package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"botgate.io/internal/audit"
	"botgate.io/internal/policy"
	"botgate.io/internal/registration"
	"botgate.io/internal/telemetry"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

// SubmitBotRequest serves POST /bots/request.
func (a *API) SubmitBotRequest(w http.ResponseWriter, r *http.Request) {
	var sub registration.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}
	rec, err := a.deps.Registration.Submit(r.Context(), sub)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	code := http.StatusOK
	if rec.Attempts == 1 && rec.Status == tenancy.StatusPending {
		code = http.StatusCreated
	}
	writeJSON(w, code, rec)
}

// BotRequestStatus serves GET /bots/request?requestId=.
func (a *API) BotRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("requestId")
	if id == "" {
		respondError(w, r, http.StatusBadRequest, "requestId is required", nil)
		return
	}
	req, err := a.deps.Registration.Status(r.Context(), id)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": req.ID,
		"name":      req.Name,
		"status":    req.Status,
		"attempts":  req.Attempts,
		"message":   req.Message,
		"botId":     req.BotID,
		"updatedAt": req.UpdatedAt.UTC().Format(timeLayout),
	})
}

// DecideBotRequest serves PATCH /bots/request/{requestId}.
func (a *API) DecideBotRequest(w http.ResponseWriter, r *http.Request) {
	var d registration.Decision
	if !decodeJSON(w, r, &d) {
		return
	}
	id := chi.URLParam(r, "requestId")
	out, err := a.deps.Registration.Decide(r.Context(), id, d)
	if err != nil {
		a.registrationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "bot_request.decided", map[string]any{
		"request_id": id,
		"status":     out.Request.Status,
		"bot_id":     out.Request.BotID,
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) registrationError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *registration.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, r, http.StatusBadRequest, ve.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, registration.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "request not found", nil)
	case errors.Is(err, registration.ErrNotPending):
		respondError(w, r, http.StatusConflict, "request already decided", nil)
	default:
		logFor(r).WithError(err).Error("bot request")
		respondError(w, r, http.StatusInternalServerError, "internal error", nil)
	}
}

type botAuthRequest struct {
	BotID     string `json:"botId"`
	BotSecret string `json:"botSecret"`
}

// AuthenticateBot serves POST /bots/auth.
func (a *API) AuthenticateBot(w http.ResponseWriter, r *http.Request) {
	var req botAuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	raw, exp, err := a.deps.Telemetry.AuthenticateBot(r.Context(), req.BotID, req.BotSecret)
	switch {
	case errors.Is(err, telemetry.ErrBotAuth):
		respondError(w, r, http.StatusUnauthorized, "invalid bot credentials", nil)
		return
	case err != nil:
		logFor(r).WithError(err).Error("bot auth")
		respondError(w, r, http.StatusServiceUnavailable, "authentication unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": raw, "expiresAt": exp.UTC().Format(timeLayout)})
}

// Ping serves GET /bots/ping.
func (a *API) Ping(w http.ResponseWriter, r *http.Request) {
	claims, _ := token.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"botId":  claims.BotID,
		"time":   time.Now().UTC().Format(timeLayout),
	})
}

type sessionRequest struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// OpenSession serves POST /bots/sessions.
func (a *API) OpenSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := token.ClaimsFromContext(r.Context())
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.TenantID == "" {
		respondError(w, r, http.StatusBadRequest, "userId and tenantId are required", nil)
		return
	}
	sess, raw, err := a.deps.Telemetry.OpenSession(r.Context(), claims.BotID, req.UserID, req.TenantID)
	var deny *policy.DenyError
	switch {
	case errors.As(err, &deny):
		respondError(w, r, http.StatusForbidden, "sem permissão", map[string]any{"reason": deny.Reason})
		return
	case err != nil:
		logFor(r).WithError(err).Error("open session")
		respondError(w, r, http.StatusInternalServerError, "session creation failed", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"token":     raw,
		"expiresAt": sess.ExpiresAt.UTC().Format(timeLayout),
	})
}

type usageRequest struct {
	BotID string                 `json:"botId"`
	Usage []telemetry.UsageEvent `json:"usage"`
}

// RecordUsage serves POST /bots/usage.
func (a *API) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decodeJSON(w, r, &req) || !a.sameBot(w, r, req.BotID) {
		return
	}
	res, err := a.deps.Telemetry.RecordUsage(r.Context(), req.BotID, req.Usage)
	a.batchResult(w, r, res, err)
}

type errorsRequest struct {
	BotID  string                 `json:"botId"`
	Errors []telemetry.ErrorEvent `json:"errors"`
}

// RecordErrors serves POST /bots/errors.
func (a *API) RecordErrors(w http.ResponseWriter, r *http.Request) {
	var req errorsRequest
	if !decodeJSON(w, r, &req) || !a.sameBot(w, r, req.BotID) {
		return
	}
	res, err := a.deps.Telemetry.RecordErrors(r.Context(), req.BotID, req.Errors)
	a.batchResult(w, r, res, err)
}

func (a *API) sameBot(w http.ResponseWriter, r *http.Request, botID string) bool {
	claims, _ := token.ClaimsFromContext(r.Context())
	if botID == "" || claims == nil || claims.BotID != botID {
		respondError(w, r, http.StatusForbidden, "botId does not match token", map[string]any{"success": false})
		return false
	}
	return true
}

func (a *API) batchResult(w http.ResponseWriter, r *http.Request, res telemetry.Result, err error) {
	if err != nil {
		logFor(r).WithError(err).Error("telemetry batch")
		respondError(w, r, http.StatusInternalServerError, err.Error(), map[string]any{"success": false, "processed": res.Processed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": res.Processed,
		"rejected":  res.Rejected,
	})
}
