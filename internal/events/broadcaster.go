// Package events fans out project change notifications to stream subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultBuffer = 32

// Event is one change notification.
type Event struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}

// Gauge observes the number of live subscribers.
type Gauge interface {
	SetSubscribers(n int)
}

type subscriber struct {
	projectID string
	ch        chan Event
}

// Broadcaster delivers events to subscribers of a project. A subscriber whose
// buffer is full misses the event rather than blocking the publisher.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
	gauge  Gauge
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster. gauge may be nil.
func NewBroadcaster(gauge Gauge, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultBuffer,
		gauge:  gauge,
		logger: logger.With().Str("component", "events.broadcaster").Logger(),
	}
}

// Subscribe registers for a project's events. An empty projectID receives
// every project's events. The returned func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{projectID: projectID, ch: make(chan Event, b.buffer)}
	b.subs[id] = sub
	n := len(b.subs)
	b.mu.Unlock()
	b.report(n)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			n := len(b.subs)
			close(sub.ch)
			b.mu.Unlock()
			b.report(n)
		})
	}
}

// Publish delivers e to matching subscribers.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.projectID != "" && sub.projectID != e.ProjectID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug().Str("type", e.Type).Str("project_id", e.ProjectID).Msg("dropping event for slow subscriber")
		}
	}
}

// Notify publishes an event built from its parts.
func (b *Broadcaster) Notify(projectID, eventType string, payload any) {
	b.Publish(Event{Type: eventType, ProjectID: projectID, Payload: payload})
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) report(n int) {
	if b.gauge != nil {
		b.gauge.SetSubscribers(n)
	}
}
