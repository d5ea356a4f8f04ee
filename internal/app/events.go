package app

import (
	"sync"
	"time"
)

// Event is a domain notification emitted after a state change commits.
type Event struct {
	Type       string         `json:"type"`
	ContractID string         `json:"contractId"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

const (
	EventVersionCreated    = "version.created"
	EventApprovalRequested = "approval.requested"
	EventApprovalDecided   = "approval.decided"
	EventStatusChanged     = "contract.status_changed"
)

// Bus fans events out to in-process subscribers. Delivery is best-effort: a
// subscriber that stops draining loses events rather than blocking emitters.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func releases it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 32)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
