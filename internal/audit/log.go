// Package audit records privileged actions as structured log entries.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"botgate.io/internal/obs"
	"botgate.io/internal/token"
)

var ErrNoEvent = errors.New("audit: event name required")

type requestIDKey struct{}

// WithRequestID tags ctx so later audit entries carry the request id. Blank ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LogEvent writes one audit entry. The actor comes from the verified claims in ctx;
// attrs are nested under "fields".
func LogEvent(ctx context.Context, event string, attrs map[string]any) error {
	if event = strings.TrimSpace(event); event == "" {
		return ErrNoEvent
	}
	entry := logrus.Fields{"type": "audit", "event": event, "fields": map[string]any{}}
	if attrs != nil {
		entry["fields"] = maps.Clone(attrs)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		entry["request_id"] = id
	}
	maps.Copy(entry, actor(ctx))
	obs.Logger().WithFields(entry).Info("audit")
	return nil
}

func actor(ctx context.Context) logrus.Fields {
	claims, ok := token.ClaimsFromContext(ctx)
	if !ok {
		return logrus.Fields{"actor_kind": "anonymous"}
	}
	out := logrus.Fields{"actor_kind": string(claims.Kind)}
	set := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	set("user_id", claims.Subject)
	set("tenant_id", claims.TenantID)
	set("bot_id", claims.BotID)
	return out
}
