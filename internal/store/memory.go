package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"call-signaling/internal/calls"
)

// Memory is an in-process store for local runs and tests. It does not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]calls.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: map[string]calls.Session{}}
}

func (m *Memory) Create(ctx context.Context, s calls.Session) (string, error) {
	if s.ID == "" {
		return "", calls.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return "", ErrConflict
	}
	if !s.Status.IsTerminal() && s.ContextID != "" {
		for _, other := range m.sessions {
			if other.ContextID == s.ContextID && !other.Status.IsTerminal() {
				return "", ErrConflict
			}
		}
	}
	m.sessions[s.ID] = s.Clone()
	return s.ID, nil
}

func (m *Memory) Get(ctx context.Context, id string) (calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, s calls.Session, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return calls.ErrNotFound
	}
	if cur.Version != prev {
		return calls.ErrVersionConflict
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) FindExpiredBefore(ctx context.Context, t time.Time) ([]calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]calls.Session, 0)
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() && s.ExpiresAt.Before(t) {
			out = append(out, s.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) FindActiveByContext(ctx context.Context, contextID string) (calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found calls.Session
		ok    bool
	)
	for _, s := range m.sessions {
		if s.ContextID != contextID || s.Status.IsTerminal() {
			continue
		}
		if !ok || s.CreatedAt.After(found.CreatedAt) {
			found, ok = s, true
		}
	}
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return found.Clone(), nil
}

func (m *Memory) ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]calls.Session, 0)
	for _, s := range m.sessions {
		if !s.HasParty(partyID) || !inRange(s.CreatedAt, from, to) {
			continue
		}
		out = append(out, s.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(s []calls.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
}
