package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"botgate.io/internal/events"
)

const streamHeartbeat = 15 * time.Second

// Stream serves domain events as Server-Sent Events. The optional kinds query
// parameter is a comma separated allow list; tenant narrows to one tenant.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		respondError(w, r, http.StatusServiceUnavailable, "streaming disabled", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	var kinds []events.Kind
	for _, k := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}
	tenant := r.URL.Query().Get("tenant")
	wanted := func(e events.Event) bool {
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			return false
		}
		return tenant == "" || e.TenantID == tenant
	}

	sub := a.deps.Events.Subscribe(r.Context())
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	beat := time.NewTicker(streamHeartbeat)
	defer beat.Stop()

	var seq uint64
	for {
		select {
		case <-beat.C:
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
		case e, open := <-sub:
			if !open {
				return
			}
			if !wanted(e) {
				continue
			}
			body, err := json.Marshal(e)
			if err != nil {
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, e.Kind, body)
		}
		flusher.Flush()
	}
}
