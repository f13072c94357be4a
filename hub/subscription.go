package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a finite stream of segments. Once ended, Next drains
// whatever is still buffered and then reports false.
type Subscription struct {
	ID string

	hub     *Hub
	mu      sync.Mutex
	queue   []Segment
	limit   int
	dropped int
	ended   bool
	notify  chan struct{}
	once    sync.Once
}

func newSubscription(h *Hub, limit int) *Subscription {
	return &Subscription{
		ID:     uuid.NewString(),
		hub:    h,
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// offer never blocks. When the buffer is full the oldest partial makes
// room; finals are kept even past the limit.
func (s *Subscription) offer(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	if len(s.queue) >= s.limit {
		idx := -1
		for i, q := range s.queue {
			if !q.IsFinal {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.dropped++
		case !seg.IsFinal:
			s.dropped++
			return
		}
	}
	s.queue = append(s.queue, seg)
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.wake()
}

// Next blocks until a segment is available. It returns false when the
// subscription has ended and is drained, or when ctx is done.
func (s *Subscription) Next(ctx context.Context) (Segment, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			seg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return seg, true
		}
		ended := s.ended
		s.mu.Unlock()

		if ended {
			return Segment{}, false
		}

		select {
		case <-ctx.Done():
			return Segment{}, false
		case <-s.notify:
		}
	}
}

// Dropped reports how many partials were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the hub and ends it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
		s.end()
	})
}
