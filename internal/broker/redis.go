package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis fans out over Redis pub/sub so every instance sees every session's events.
type Redis struct {
	rdb    *redis.Client
	prefix string
	buffer int
	log    *slog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, buffer int, log *slog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("broker: redis client is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, prefix: prefix, buffer: buffer, log: log}, nil
}

func (b *Redis) channel(topic string) string { return b.prefix + topic }

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel(topic), payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := newSubscription(b.buffer)
	done := make(chan struct{})
	sub.stop = func() error {
		err := ps.Close()
		<-done
		return err
	}
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			if !sub.offer([]byte(msg.Payload)) {
				b.log.Warn("subscriber full, dropping message", "topic", topic)
			}
		}
	}()
	return sub, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (b *Redis) Close() error { return nil }
