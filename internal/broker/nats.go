package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATS fans out over NATS subjects. Topics such as "calls.<id>" map directly to subjects.
type NATS struct {
	nc     *nats.Conn
	buffer int
	log    *slog.Logger
}

func NewNATS(nc *nats.Conn, buffer int, log *slog.Logger) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("broker: nats connection is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATS{nc: nc, buffer: buffer, log: log}, nil
}

func (b *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topic, payload)
}

func (b *NATS) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	sub := newSubscription(b.buffer)
	ns, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		if !sub.offer(msg.Data) {
			b.log.Warn("subscriber full, dropping message", "subject", msg.Subject)
		}
	})
	if err != nil {
		return nil, err
	}
	sub.stop = ns.Unsubscribe
	return sub, nil
}

// Close drains the connection, flushing pending publishes.
func (b *NATS) Close() error {
	return b.nc.Drain()
}
