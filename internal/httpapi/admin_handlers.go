package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"botgate.io/internal/audit"
	"botgate.io/internal/events"
	"botgate.io/internal/quota"
)

type scopeRequest struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	BotID    string `json:"botId"`
	Limit    *int64 `json:"limit,omitempty"`
}

func (s scopeRequest) scope() quota.Scope {
	return quota.Scope{UserID: s.UserID, TenantID: s.TenantID, BotID: s.BotID}
}

func scopeFromQuery(r *http.Request) quota.Scope {
	q := r.URL.Query()
	return quota.Scope{UserID: q.Get("userId"), TenantID: q.Get("tenantId"), BotID: q.Get("botId")}
}

func balanceBody(s quota.Scope, b quota.Balance) map[string]any {
	body := map[string]any{
		"userId":    s.UserID,
		"tenantId":  s.TenantID,
		"botId":     s.BotID,
		"limit":     b.Limit,
		"used":      b.Used,
		"reserved":  b.Reserved,
		"remaining": b.Remaining(),
	}
	if !b.LastUsedAt.IsZero() {
		body["lastUsedAt"] = b.LastUsedAt.UTC().Format(timeLayout)
	}
	return body
}

// ResetUsage serves POST /admin/usage/reset.
func (a *API) ResetUsage(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s := req.scope()
	bal, err := a.deps.Ledger.Reset(r.Context(), s)
	if err != nil {
		a.quotaError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "quota.reset", map[string]any{"user_id": s.UserID, "tenant_id": s.TenantID, "bot_id": s.BotID})
	if a.deps.Events != nil {
		a.deps.Events.Publish(events.Event{Kind: events.KindQuotaReset, UserID: s.UserID, TenantID: s.TenantID, BotID: s.BotID})
	}
	writeJSON(w, http.StatusOK, balanceBody(s, bal))
}

// SetLimit serves PUT /admin/quota/limit.
func (a *API) SetLimit(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit == nil {
		respondError(w, r, http.StatusBadRequest, "limit is required", nil)
		return
	}
	s := req.scope()
	bal, err := a.deps.Ledger.SetLimit(r.Context(), s, *req.Limit)
	if err != nil {
		a.quotaError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "quota.limit_set", map[string]any{
		"user_id": s.UserID, "tenant_id": s.TenantID, "bot_id": s.BotID, "limit": *req.Limit,
	})
	writeJSON(w, http.StatusOK, balanceBody(s, bal))
}

// QuotaBalance serves GET /admin/quota/balance.
func (a *API) QuotaBalance(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r)
	bal, err := a.deps.Ledger.Balance(r.Context(), s)
	if err != nil {
		a.quotaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceBody(s, bal))
}

// QuotaRecords serves GET /admin/quota/records.
func (a *API) QuotaRecords(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r)
	if err := s.Validate(); err != nil {
		a.quotaError(w, r, err)
		return
	}
	recs, err := a.deps.Ledger.Records(r.Context(), s, queryLimit(r, 50, 500))
	if err != nil {
		a.quotaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// BotErrors serves GET /admin/bots/{botId}/errors.
func (a *API) BotErrors(w http.ResponseWriter, r *http.Request) {
	recs, err := a.deps.Telemetry.Errors(r.Context(), chi.URLParam(r, "botId"), queryLimit(r, 50, 500))
	if err != nil {
		logFor(r).WithError(err).Error("list bot errors")
		respondError(w, r, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": recs})
}

func (a *API) quotaError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, quota.ErrInvalidScope):
		respondError(w, r, http.StatusBadRequest, "userId is required", nil)
	case errors.Is(err, quota.ErrInvalidLimit):
		respondError(w, r, http.StatusBadRequest, "limit must not be negative", nil)
	default:
		logFor(r).WithError(err).Error("quota ledger")
		respondError(w, r, http.StatusInternalServerError, "ledger unavailable", nil)
	}
}

func queryLimit(r *http.Request, def, maxN int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxN)
}
