package signaling

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"

	"golang.org/x/sync/errgroup"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Expired    int
	Reconciled int
}

// SweepExpired moves every non-terminal session whose expiresAt is before now
// to EXPIRED with reason TIMEOUT, then retries writes for unpersisted sessions.
// A session finished concurrently by a party is skipped, never finished twice.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	now = now.UTC()
	ids := m.expiredCandidates(now)

	stored, storeErr := m.store.FindExpiredBefore(ctx, now)
	if storeErr != nil {
		m.log.Warn("store expiry scan failed", "op", "sweep", "err", storeErr)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, s := range stored {
		if _, ok := seen[s.ID]; !ok {
			seen[s.ID] = struct{}{}
			ids = append(ids, s.ID)
		}
	}

	var res SweepResult
	expired := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.sweepParallel)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ok, err := m.expire(gctx, id, now)
			if err != nil {
				m.log.Warn("expire failed", "op", "sweep", "session_id", id, "err", err)
				return nil
			}
			expired[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	for _, ok := range expired {
		if ok {
			res.Expired++
		}
	}

	res.Reconciled = m.reconcile(ctx)
	if res.Expired > 0 || res.Reconciled > 0 {
		m.log.Info("sweep finished", "expired", res.Expired, "reconciled", res.Reconciled)
	}
	if storeErr != nil {
		return res, storeErr
	}
	return res, ctx.Err()
}

func (m *Manager) expiredCandidates(now time.Time) []string {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if !e.s.Status.IsTerminal() && e.s.ExpiresAt.Before(now) {
			ids = append(ids, e.s.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

func (m *Manager) expire(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	var skipped bool
	res, err := m.mutate(ctx, sessionID, "", "sweep", func(s *calls.Session, _ time.Time) (bool, error) {
		skipped = false
		if s.Status.IsTerminal() || !s.ExpiresAt.Before(now) {
			skipped = true
			return false, nil
		}
		s.Finish(calls.StatusExpired, calls.ReasonTimeout, now)
		m.cache.Destroy(s.ID)
		return true, nil
	})
	// Another instance finished it first.
	if errors.Is(err, calls.ErrNotFound) || errors.Is(err, calls.ErrInvalidState) || skipped {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.log.Info("session expired", "session_id", res.ID, "expires_at", res.ExpiresAt)
	m.publish(ctx, terminalEvent(res))
	return true, nil
}

// reconcile retries the store write for every entry flagged unpersisted.
func (m *Manager) reconcile(ctx context.Context) int {
	m.mu.Lock()
	var pending []*entry
	for _, e := range m.sessions {
		pending = append(pending, e)
	}
	m.mu.Unlock()

	n := 0
	for _, e := range pending {
		e.mu.Lock()
		flagged := e.unpersisted
		e.mu.Unlock()
		if !flagged {
			continue
		}
		if m.persist(ctx, e, "reconcile") {
			n++
		}
	}
	return n
}
