package signaling

import (
	"context"
	"errors"
	"fmt"

	"call-signaling/internal/calls"

	"github.com/cenkalti/backoff"
)

// retry runs op with bounded exponential backoff. NotFound, conflicts and
// version conflicts are not retried.
func (m *Manager) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.persistInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.persistRetries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, calls.ErrNotFound) || errors.Is(err, m.conflict) || errors.Is(err, calls.ErrInvalidArgument) ||
			errors.Is(err, calls.ErrVersionConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// persist writes the entry's latest snapshot over the version it last wrote.
// Writes for one session are serialized and never go backwards in version.
// On a version conflict the entry is replaced by the stored record (see
// reload). On any other failure the entry is flagged unpersisted and left for
// the sweep to reconcile; the in-memory transition stands either way.
func (m *Manager) persist(ctx context.Context, e *entry, op string) bool {
	ctx = context.WithoutCancel(ctx)

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	snap := e.s.Clone()
	prev := e.persisted
	e.mu.Unlock()
	if snap.Version <= prev {
		return true
	}

	err := m.retry(ctx, func() error {
		err := m.store.Update(ctx, snap, prev)
		if errors.Is(err, calls.ErrNotFound) {
			// The initial create never landed.
			_, err = m.store.Create(ctx, snap)
		}
		return err
	})
	replaced := false
	if errors.Is(err, calls.ErrVersionConflict) {
		replaced, err = m.reload(ctx, e, snap, op)
	}

	e.mu.Lock()
	switch {
	case err != nil:
		e.unpersisted = true
	case !replaced:
		e.persisted = snap.Version
		e.unpersisted = e.s.Version > snap.Version
	}
	terminal := snap.Status.IsTerminal()
	if replaced {
		terminal = e.s.Status.IsTerminal()
	}
	e.mu.Unlock()

	if err != nil {
		m.log.Error("session not persisted", "op", op, "session_id", snap.ID, "version", snap.Version, "err", err)
		return false
	}
	if terminal {
		m.forget(e)
	}
	return !replaced
}

// reload replaces the entry with the stored record after a version conflict
// and bumps its generation so in-flight mutations of the old copy retry.
// replaced is false when the conflicting record is snap itself, a retried
// write that already landed. Callers hold e.persistMu.
func (m *Manager) reload(ctx context.Context, e *entry, snap calls.Session, op string) (replaced bool, err error) {
	stored, err := m.store.Get(ctx, snap.ID)
	if err != nil {
		return false, fmt.Errorf("reload after version conflict: %w", err)
	}
	if sameWrite(stored, snap) {
		return false, nil
	}

	e.mu.Lock()
	local := e.s.Status
	e.s = stored
	e.persisted = stored.Version
	e.unpersisted = false
	e.gen++
	e.mu.Unlock()

	m.log.Warn("session changed by another writer, reloaded",
		"op", op,
		"session_id", snap.ID,
		"local_status", local,
		"stored_status", stored.Status,
		"stored_version", stored.Version,
	)
	return true, nil
}

// sameWrite reports whether stored is the write that produced snap.
func sameWrite(stored, snap calls.Session) bool {
	return snap.Revision != "" && stored.Version == snap.Version && stored.Revision == snap.Revision
}
