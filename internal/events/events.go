// Package events fans out progress and status notifications to observers
// (API streams, the CLI). Delivery is best-effort: Publish never blocks and a
// slow subscriber loses events instead of stalling the publisher.
package events

import (
	"sync"
	"time"
)

// Topic groups events by the operation that emits them.
type Topic string

const (
	TopicDownload     Topic = "download-progress"
	TopicUpdate       Topic = "update-progress"
	TopicKernel       Topic = "kernel-status"
	TopicSubscription Topic = "subscription"
)

// Event is one notification. Progress is 0..100 and non-decreasing within
// one operation (same OpID).
type Event struct {
	OpID     string    `json:"op_id,omitempty"`
	Topic    Topic     `json:"topic"`
	Stage    string    `json:"stage"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Time     time.Time `json:"ts"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

const defaultBuffer = 64

// Bus is an in-process broadcast of events to any number of subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. buffer <= 0 uses a default size. The
// returned cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close closes all subscriber channels. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
