package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is a tiny process lifecycle holder shared across handlers. It
// tracks draining for readiness checks during graceful shutdown and the
// process start time for uptime reporting.
type State struct {
	draining atomic.Bool
	started  time.Time
}

func New() *State {
	return &State{started: time.Now()}
}

func (s *State) SetDraining(draining bool) {
	if s == nil {
		return
	}
	s.draining.Store(draining)
}

func (s *State) Draining() bool {
	if s == nil {
		return false
	}
	return s.draining.Load()
}

func (s *State) Uptime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.started)
}
