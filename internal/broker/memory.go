package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is a process-local broker. Sessions must be affinity-routed to one
// instance when it is used in a multi-instance deployment.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
	buffer int
	log    *slog.Logger
}

func NewMemory(buffer int, log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{topics: map[string]map[*Subscription]struct{}{}, buffer: buffer, log: log}
}

func (b *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.topics[topic] {
		if !sub.offer(payload) {
			b.log.Warn("subscriber full, dropping message", "topic", topic)
		}
	}
	return nil
}

func (b *Memory) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := newSubscription(b.buffer)
	sub.stop = func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
		return nil
	}
	if b.topics[topic] == nil {
		b.topics[topic] = map[*Subscription]struct{}{}
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Memory) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close ends every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = map[string]map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.finish(false)
	}
	return nil
}
