// Package timer backs the link's delay hooks on hosted platforms with a
// single-shot deadline. Scheduling replaces any pending callback and
// cancellation is idempotent, matching what the link expects from its
// host timer.
package timer

import (
	"sync"
	"time"
)

// Scheduler owns at most one pending callback.
type Scheduler struct {
	mu sync.Mutex
	t  *time.Timer
}

// Schedule arms fn to run once after d, replacing any pending callback.
// fn runs on a timer goroutine; callers that need serialisation with
// other work must wrap fn accordingly.
func (s *Scheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
	s.t = time.AfterFunc(d, fn)
}

// Cancel stops the pending callback if any. Cancelling an already-fired
// or never-scheduled timer is a no-op.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}
