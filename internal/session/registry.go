package session

import (
	"sync"
	"time"
)

// Registry is the process-wide set of live sessions.  Relays add and
// remove themselves; the supervisor drains the whole set on a mode
// change or shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Add registers s.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove deregisters s.  Removing an unknown session is a no-op.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at this instant.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DrainResult reports how a drain ended.
type DrainResult struct {
	Cancelled int // sessions signalled
	Abandoned int // sessions force-closed after the grace period
}

// Drain cancels every registered session and waits up to grace for
// them to reach the closed state.  Sessions still running afterwards
// have their sockets force-closed and are dropped from the registry.
func (r *Registry) Drain(grace time.Duration) DrainResult {
	sessions := r.Snapshot()
	res := DrainResult{Cancelled: len(sessions)}
	if len(sessions) == 0 {
		return res
	}

	for _, s := range sessions {
		s.Cancel()
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for _, s := range sessions {
		select {
		case <-s.Done():
			continue
		case <-deadline.C:
		}
		// Grace period over: abandon this and every remaining one.
		for _, rest := range sessions {
			select {
			case <-rest.Done():
			default:
				rest.ForceClose()
				r.Remove(rest)
				res.Abandoned++
			}
		}
		break
	}
	return res
}
