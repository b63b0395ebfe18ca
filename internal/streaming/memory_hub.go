package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	dropped atomic.Uint64
	now     func() time.Time
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// The returned cancel function removes the subscriber and closes the
// channel; it is safe to call more than once. The subscription is also
// cancelled when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(done)
			close(ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
