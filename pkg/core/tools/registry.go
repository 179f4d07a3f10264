// Package tools routes AI function calls to registered handlers. Each
// call session owns a Router; handlers run with a per-invocation timeout
// and report exactly one outcome back to the AI leg.
package tools

import (
	"context"
	"sort"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

// Definition describes one tool in the shape the realtime session
// expects in its tool list.
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Handler executes one tool. Exclusive handlers never run concurrently
// with each other; they serialize on the session's control mutex.
type Handler interface {
	Name() string
	Definition() Definition
	Exclusive() bool
	Execute(ctx context.Context, args map[string]any) (any, *core.Error)
}

// Registry is an immutable name-to-handler index.
type Registry struct {
	byName map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			continue
		}
		r.byName[h.Name()] = h
	}
	return r
}

func (r *Registry) Get(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.byName[name]
	return h, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the tool list to advertise on the AI session,
// sorted by name for a stable wire payload.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].Definition())
	}
	return out
}
