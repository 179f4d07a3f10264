// Package calls owns the call lifecycle: the session state machine, the
// registry of live sessions, and the manager that drives both from the
// normalized event stream.
package calls

import (
	"context"
	"sync"
)

// Registry is the concurrency-safe index of live sessions by
// correlation id. The manager is its only writer; event dispatch and
// the status API read concurrently. Sessions mid-teardown are removed
// before their handles close, so a successful lookup never returns a
// half-torn-down session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// InsertIfAbsent adds the session unless its id is already present.
// Duplicate incoming-call deliveries land here and are refused.
func (r *Registry) InsertIfAbsent(s *Session) bool {
	if r == nil || s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return false
	}
	r.sessions[s.ID()] = s
	r.wg.Add(1)
	return true
}

// Lookup returns the live session for the id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the entry. Removing an id twice is a no-op.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.wg.Done()
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// All returns the live sessions in no particular order.
func (r *Registry) All() []*Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CancelAll invokes cancel for every live session, outside the registry
// lock, and reports how many were signalled.
func (r *Registry) CancelAll(cancel func(*Session)) int {
	if r == nil || cancel == nil {
		return 0
	}

	var targets []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		cancel(s)
	}
	return len(targets)
}

// Wait blocks until every session has been removed or the context ends;
// it reports whether the registry emptied in time.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
