package botclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxBuffered = 10000

// UsageEvent mirrors the server's usage telemetry record. EventID is assigned by Track
// when empty; botgate charges each id once, so resending a failed batch is safe.
type UsageEvent struct {
	EventID   string            `json:"eventId"`
	SessionID string            `json:"sessionId"`
	Type      string            `json:"type"`
	Tokens    int64             `json:"tokens"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Severities accepted by botgate.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ErrorEvent mirrors the server's error telemetry record.
type ErrorEvent struct {
	SessionID string            `json:"sessionId,omitempty"`
	Severity  string            `json:"severity"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Stack     string            `json:"stack,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

var criticalKeywords = []string{"rate limit", "rate-limit", "security", "fatal"}

func critical(texts ...string) bool {
	for _, t := range texts {
		t = strings.ToLower(t)
		for _, kw := range criticalKeywords {
			if strings.Contains(t, kw) {
				return true
			}
		}
	}
	return false
}

// IsCritical reports whether e is flushed immediately instead of on the timer.
func (e ErrorEvent) IsCritical() bool {
	return strings.EqualFold(e.Severity, SeverityCritical) || critical(e.Type, e.Message)
}

// IsCritical reports whether u is flushed immediately instead of on the timer.
func (u UsageEvent) IsCritical() bool {
	if critical(u.Type) {
		return true
	}
	for _, v := range u.Metadata {
		if critical(v) {
			return true
		}
	}
	return false
}

// Track buffers a usage event.
func (c *Client) Track(ev UsageEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if dropped := c.usage.push(ev); dropped > 0 {
		c.log.WithField("dropped", dropped).Warn("usage buffer full")
	}
	if ev.IsCritical() {
		c.flushSoon()
	}
}

// Report buffers an error event.
func (c *Client) Report(ev ErrorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityMedium
	}
	if dropped := c.errs.push(ev); dropped > 0 {
		c.log.WithField("dropped", dropped).Warn("error buffer full")
	}
	if ev.IsCritical() {
		c.flushSoon()
	}
}

func (c *Client) flushSoon() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Pending returns the number of buffered usage and error events.
func (c *Client) Pending() (usage, errs int) {
	return c.usage.len(), c.errs.len()
}

// Flush sends buffered telemetry. Batches that fail to send are put back at the head of
// their buffer. Without a connection nothing is sent and a warning event is emitted.
func (c *Client) Flush(ctx context.Context) error {
	u, e := c.Pending()
	if u == 0 && e == 0 {
		return nil
	}
	if !c.Connected() {
		c.emit(EventWarning, fmt.Errorf("%w: %d usage and %d error events kept", ErrNotConnected, u, e))
		return ErrNotConnected
	}

	var firstErr error
	if batch := c.usage.drain(); len(batch) > 0 {
		if err := c.sendBatch(ctx, "/bots/usage", "usage", batch); err != nil {
			c.usage.requeue(batch)
			firstErr = err
		}
	}
	if batch := c.errs.drain(); len(batch) > 0 {
		if err := c.sendBatch(ctx, "/bots/errors", "errors", batch); err != nil {
			c.errs.requeue(batch)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		c.emit(EventWarning, firstErr)
	}
	return firstErr
}

type batchResult struct {
	Processed int `json:"processed"`
	Rejected  []struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	} `json:"rejected"`
}

func (c *Client) sendBatch(ctx context.Context, path, field string, batch any) error {
	res, err := c.authed(ctx, http.MethodPost, path, map[string]any{"botId": c.botID, field: batch})
	if err != nil {
		return err
	}
	var out batchResult
	if err := json.Unmarshal(res.body, &out); err == nil {
		for _, r := range out.Rejected {
			c.log.WithField("index", r.Index).WithField("reason", r.Reason).Warn("telemetry event rejected")
		}
	}
	return nil
}

// buffer is a bounded FIFO. On overflow the oldest entries go first.
type buffer[T any] struct {
	mu    sync.Mutex
	items []T
	max   int
}

func newBuffer[T any](max int) *buffer[T] {
	return &buffer[T]{max: max}
}

func (b *buffer[T]) push(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, v)
	return b.trim()
}

func (b *buffer[T]) requeue(vs []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(append(make([]T, 0, len(vs)+len(b.items)), vs...), b.items...)
	b.trim()
}

func (b *buffer[T]) trim() int {
	over := len(b.items) - b.max
	if over <= 0 {
		return 0
	}
	b.items = append([]T(nil), b.items[over:]...)
	return over
}

func (b *buffer[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

func (b *buffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
