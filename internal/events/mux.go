// Package events fans the single inbound push stream out to typed
// subscribers. It is a pure routing layer: no business validation happens
// here and delivery to a slow subscriber never blocks the source.
package events

import (
	"context"
	"log/slog"
	"sync"

	"ridesync/internal/contracts"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
)

// DefaultQueueSize bounds each subscriber queue. When a subscriber falls
// this far behind, its oldest pending event is dropped to admit the new one.
const DefaultQueueSize = 64

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	id     uint64
	types  map[contracts.EventType]bool
	frames chan contracts.Frame
	down   chan struct{}
}

// Frames delivers matching inbound events in arrival order.
func (s *Subscription) Frames() <-chan contracts.Frame {
	return s.frames
}

// SourceDown receives one signal per source outage so subscribers can fall
// back to cache-only mode instead of stalling silently.
func (s *Subscription) SourceDown() <-chan struct{} {
	return s.down
}

func (s *Subscription) wants(t contracts.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Multiplexer routes frames by event type. Registration and removal are
// explicit; a forgotten subscription is a leak.
type Multiplexer struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	queueSz int
	log     *slog.Logger
}

func New(queueSize int, log *slog.Logger) *Multiplexer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Multiplexer{
		subs:    make(map[uint64]*Subscription),
		queueSz: queueSize,
		log:     log,
	}
}

// Subscribe registers interest in the given event types. No types means all
// types.
func (m *Multiplexer) Subscribe(types ...contracts.EventType) *Subscription {
	sub := &Subscription{
		types:  make(map[contracts.EventType]bool, len(types)),
		frames: make(chan contracts.Frame, m.queueSz),
		down:   make(chan struct{}, 1),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	m.subs[sub.id] = sub
	m.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channels.
func (m *Multiplexer) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	_, ok := m.subs[sub.id]
	delete(m.subs, sub.id)
	m.mu.Unlock()

	if ok {
		close(sub.frames)
		close(sub.down)
	}
}

// HandleFrame republishes one inbound frame to every interested subscriber.
// A full subscriber queue drops its oldest event to make room.
func (m *Multiplexer) HandleFrame(f contracts.Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.wants(f.Type) {
			continue
		}

		select {
		case sub.frames <- f:
		default:
			// drop-oldest, then retry once; a racing reader can still win
			select {
			case dropped := <-sub.frames:
				observability.EventsDroppedTotal.WithLabelValues(string(dropped.Type)).Inc()
				logger.Info(context.Background(), m.log, "event_dropped",
					"Subscriber queue full, dropped oldest "+string(dropped.Type))
			default:
			}
			select {
			case sub.frames <- f:
			default:
				observability.EventsDroppedTotal.WithLabelValues(string(f.Type)).Inc()
			}
		}
	}
}

// NotifySourceDown signals every subscriber that the inbound stream
// terminated. Coalesced: an already-pending signal is not duplicated.
func (m *Multiplexer) NotifySourceDown() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		select {
		case sub.down <- struct{}{}:
		default:
		}
	}
}
