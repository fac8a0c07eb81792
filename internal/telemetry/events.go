package telemetry

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownSession = errors.New("telemetry: unknown or expired session")
	ErrInvalidEvent   = errors.New("telemetry: invalid event")
	ErrBotAuth        = errors.New("telemetry: invalid bot credentials")
)

// UsageType is the closed set of usage event types a bot may report.
type UsageType string

const (
	UsageMessage    UsageType = "message"
	UsageCompletion UsageType = "completion"
	UsageEmbedding  UsageType = "embedding"
	UsageToolCall   UsageType = "tool_call"
	UsageAPICall    UsageType = "api_call"
	UsagePing       UsageType = "ping"
)

func (t UsageType) Valid() bool {
	switch t {
	case UsageMessage, UsageCompletion, UsageEmbedding, UsageToolCall, UsageAPICall, UsagePing:
		return true
	}
	return false
}

// UsageEvent reports tokens consumed inside a user session.
type UsageEvent struct {
	EventID   string            `json:"eventId,omitempty"`
	SessionID string            `json:"sessionId"`
	Type      UsageType         `json:"type"`
	Tokens    int64             `json:"tokens"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

func (e UsageEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.SessionID) == "":
		return errors.New("sessionId is required")
	case !e.Type.Valid():
		return errors.New("unknown usage type")
	case e.Tokens < 0:
		return errors.New("tokens must not be negative")
	}
	return nil
}

// Severity of a reported error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ErrorEvent is an error raised inside a bot process.
type ErrorEvent struct {
	SessionID string            `json:"sessionId,omitempty"`
	Severity  Severity          `json:"severity"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Stack     string            `json:"stack,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

func (e ErrorEvent) Validate() error {
	switch {
	case !e.Severity.Valid():
		return errors.New("unknown severity")
	case strings.TrimSpace(e.Type) == "":
		return errors.New("type is required")
	case strings.TrimSpace(e.Message) == "":
		return errors.New("message is required")
	}
	return nil
}

// ErrorRecord is a stored ErrorEvent.
type ErrorRecord struct {
	ID    string `json:"id"`
	BotID string `json:"botId"`
	ErrorEvent
	CreatedAt time.Time `json:"createdAt"`
}

// Rejection explains why one event of a batch was not accepted.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarises a processed batch.
type Result struct {
	Processed  int         `json:"processed"`
	Duplicates int         `json:"duplicates,omitempty"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

func (r *Result) reject(i int, reason string) {
	r.Rejected = append(r.Rejected, Rejection{Index: i, Reason: reason})
}
