// Package store implements the durable call-session record.
//
// Implementations carry no business logic. Update is a compare-and-swap on
// Session.Version: it lands only while the stored record still holds the
// version the writer last saw, and fails with calls.ErrVersionConflict
// otherwise. Instances sharing one store never overwrite each other's
// transitions.
package store

import (
	"errors"
	"time"

	"call-signaling/internal/calls"
)

// ErrConflict is returned by Create when the id already exists, or when
// another active session already holds the same context id.
var ErrConflict = errors.New("store: conflict")

// activeStatuses are the non-terminal statuses, in the order stores filter on them.
var activeStatuses = []calls.Status{calls.StatusInitiated, calls.StatusRinging, calls.StatusConnected}

func activeStatusStrings() []string {
	out := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		out[i] = string(s)
	}
	return out
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
