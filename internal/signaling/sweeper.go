package signaling

import (
	"context"
	"log/slog"
	"time"
)

// Lease grants one instance at a time the right to sweep. Implementations must
// expire the lease on their own if the holder dies.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Sweeper runs SweepExpired at a fixed interval until its context is cancelled.
type Sweeper struct {
	Manager  *Manager
	Interval time.Duration
	Lease    Lease
	Logger   *slog.Logger
}

func (w Sweeper) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sweeper")

	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-t.C:
			w.tick(ctx, log, interval)
		}
	}
}

func (w Sweeper) tick(ctx context.Context, log *slog.Logger, interval time.Duration) {
	if w.Lease != nil {
		ok, err := w.Lease.Acquire(ctx, interval)
		if err != nil {
			log.Warn("sweep lease failed", "err", err)
			return
		}
		if !ok {
			log.Debug("sweep lease held elsewhere")
			return
		}
		defer func() {
			if err := w.Lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("sweep lease release failed", "err", err)
			}
		}()
	}
	if _, err := w.Manager.SweepExpired(ctx, w.Manager.now()); err != nil && ctx.Err() == nil {
		log.Warn("sweep incomplete", "err", err)
	}
}
