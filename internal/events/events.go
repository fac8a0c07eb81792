package events

import (
	"context"
	"sync"
	"time"
)

// Kind is the closed set of domain events emitted by the core.
type Kind string

const (
	KindQuotaExhausted      Kind = "quota.exhausted"
	KindQuotaReset          Kind = "quota.reset"
	KindLedgerInconsistency Kind = "ledger.inconsistency"
	KindBotRequestSubmitted Kind = "bot_request.submitted"
	KindBotRequestApproved  Kind = "bot_request.approved"
	KindBotRequestRejected  Kind = "bot_request.rejected"
	KindBotError            Kind = "bot.error"
	KindKeyRotated          Kind = "key.rotated"
)

// Event is a single notification fanned out to subscribers.
type Event struct {
	Kind     Kind              `json:"kind"`
	Time     time.Time         `json:"time"`
	UserID   string            `json:"user_id,omitempty"`
	TenantID string            `json:"tenant_id,omitempty"`
	BotID    string            `json:"bot_id,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Publisher is implemented by anything that accepts domain events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fan-outs events to all active subscribers (SSE clients, tests).
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	now  func() time.Time
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Slow subscribers miss events.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
