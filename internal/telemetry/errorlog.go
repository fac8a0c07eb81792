package telemetry

import (
	"context"
	"sync"
)

// ErrorLog stores error reports from bots.
type ErrorLog interface {
	Append(ctx context.Context, rec ErrorRecord) error
	// Recent returns up to n records for botID, newest first.
	Recent(ctx context.Context, botID string, n int) ([]ErrorRecord, error)
}

const memoryErrorLogCap = 500

// MemoryErrorLog keeps the most recent records per bot.
type MemoryErrorLog struct {
	mu   sync.Mutex
	bots map[string][]ErrorRecord
}

func NewMemoryErrorLog() *MemoryErrorLog {
	return &MemoryErrorLog{bots: make(map[string][]ErrorRecord)}
}

func (l *MemoryErrorLog) Append(_ context.Context, rec ErrorRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := append(l.bots[rec.BotID], rec)
	if len(recs) > memoryErrorLogCap {
		recs = recs[len(recs)-memoryErrorLogCap:]
	}
	l.bots[rec.BotID] = recs
	return nil
}

func (l *MemoryErrorLog) Recent(_ context.Context, botID string, n int) ([]ErrorRecord, error) {
	if n <= 0 {
		n = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.bots[botID]
	out := make([]ErrorRecord, 0, min(n, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}
