// Package broker fans session events out to push subscribers, within one
// process (Memory) or across instances (Redis, NATS).
//
// Delivery is fire-and-forget: a subscriber that falls behind loses messages
// rather than slowing the publisher.
package broker

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the per-subscription channel size.
const DefaultBuffer = 32

var ErrClosed = errors.New("broker: closed")

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers payloads on C until Close is called or the broker shuts down.
type Subscription struct {
	C <-chan []byte

	ch     chan []byte
	mu     sync.Mutex
	closed bool
	stop   func() error
	once   sync.Once
	err    error
}

func newSubscription(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan []byte, buffer)
	return &Subscription{C: ch, ch: ch}
}

// offer delivers payload without blocking and reports whether it was accepted.
func (s *Subscription) offer(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() error {
	return s.finish(true)
}

func (s *Subscription) finish(unsubscribe bool) error {
	s.once.Do(func() {
		if unsubscribe && s.stop != nil {
			s.err = s.stop()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return s.err
}
