package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Hub fans events out to in-process subscribers such as websocket connections. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	subs    *xsync.Map[uint64, *subscriber]
	next    atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

type subscriber struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: xsync.NewMap[uint64, *subscriber](), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned func removes it and closes the
// channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	id := h.next.Add(1)
	s := &subscriber{ch: make(chan Event, h.buffer)}
	h.subs.Store(id, s)
	return s.ch, func() {
		if s, ok := h.subs.LoadAndDelete(id); ok {
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		}
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.subs.Range(func(_ uint64, s *subscriber) bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return true
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
		return true
	})
	return nil
}

// Len is the number of subscribers.
func (h *Hub) Len() int {
	return h.subs.Size()
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
