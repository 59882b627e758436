// Package feed broadcasts job events to websocket subscribers.
//
// The feed is advisory. Workers still poll and claim; a dropped event only
// means a worker learns about a job on its next poll.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/clipbot/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type subscriber struct {
	ch      chan domain.JobEvent
	types   map[domain.EventType]bool // nil means every type
	dropped atomic.Int64
}

// Hub fans job events out to subscribers without blocking the recorder.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber for the given event types, or all types
// when none are given. The returned cancel func unregisters it and closes
// the channel.
func (h *Hub) Subscribe(buffer int, types ...domain.EventType) (<-chan domain.JobEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan domain.JobEvent, buffer)}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	slog.Debug("Feed subscriber registered", "subscriber", id, "subscribers", len(h.subs))

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	slog.Debug("Feed subscriber unregistered", "subscriber", id, "dropped", sub.dropped.Load())
}

// Record delivers ev to every interested subscriber. A subscriber whose
// queue is full misses the event.
func (h *Hub) Record(_ context.Context, ev domain.JobEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			slog.Debug("Feed subscriber lagging, event dropped", "subscriber", id, "job_id", ev.JobID, "type", ev.Type)
		}
	}
	return nil
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
