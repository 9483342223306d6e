// Package events carries exit and order lifecycle events from the scheduler
// and monitor to observers (the admin websocket stream and the Redis
// stream publisher).
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	ExitScheduled   Kind = "exit.scheduled"
	ExitExecuting   Kind = "exit.executing"
	ExitRetry       Kind = "exit.retry"
	ExitCompleted   Kind = "exit.completed"
	ExitFailed      Kind = "exit.failed"
	ExitCancelled   Kind = "exit.cancelled"
	ExitReset       Kind = "exit.reset"
	ExitRescheduled Kind = "exit.rescheduled"

	OrderPlaced          Kind = "order.placed"
	OrderPlacementFailed Kind = "order.placement_failed"
	OrderPolled          Kind = "order.polled"
	OrderConfirmed       Kind = "order.confirmed"
	OrderTimeout         Kind = "order.timeout"
	OrderFailed          Kind = "order.failed"
	OrderReview          Kind = "order.review"
	OrderReviewResolved  Kind = "order.review_resolved"
)

// Event is one lifecycle event.
type Event struct {
	Kind       Kind      `json:"kind"`
	Time       time.Time `json:"time"`
	UserID     string    `json:"user_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	ExitID     int64     `json:"exit_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus broadcasts each published event to every subscriber. If a
// subscriber's channel is full the event is dropped for that subscriber
// so a slow consumer never blocks the scheduler or monitor.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(name string)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a named subscriber with a buffered channel. The
// returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(name string, bufSize int) (<-chan Event, func()) {
	s := &subscriber{name: name, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(s) })
	}
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(s.name)
			} else {
				slog.Warn("event bus subscriber full, dropping event", "subscriber", s.name, "kind", ev.Kind)
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the fill level of every subscriber.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.subs))
	for i, s := range b.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
