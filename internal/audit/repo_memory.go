package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process, indexed by session. It backs the audit
// trail of the memory store backend, so it lives and dies with the process.
type MemoryRepo struct {
	mu        sync.Mutex
	events    []Event
	bySession map[string][]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{bySession: make(map[string][]int)}
}

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[e.SessionID] = append(r.bySession[e.SessionID], len(r.events))
	r.events = append(r.events, e)
	return nil
}

// ListBySession returns the session's events in append order; unknown sessions yield none.
func (r *MemoryRepo) ListBySession(_ context.Context, sessionID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.bySession[sessionID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.events[i])
	}
	return out, nil
}

// Events returns every event across sessions in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
