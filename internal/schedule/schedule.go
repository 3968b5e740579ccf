// Package schedule runs keyed, cancellable delayed tasks on top of a clock.
// Scheduling a key that is already pending replaces the earlier task.
package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/peersetd/internal/clock"
)

// Scheduler owns a set of pending timers keyed by string.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*task
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	timer clock.Timer
	gen   uint64
}

var generation atomic.Uint64

// New returns a Scheduler driven by clk (clock.Real when nil).
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{clock: clk, pending: make(map[string]*task)}
}

// Schedule runs fn after d unless the key is cancelled or rescheduled first.
// It reports false once the scheduler is closed.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if prev, ok := s.pending[key]; ok {
		if prev.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	t := &task{gen: generation.Add(1)}
	s.wg.Add(1)
	t.timer = s.clock.AfterFunc(d, func() {
		defer s.wg.Done()
		if !s.claim(key, t.gen) {
			return
		}
		fn()
	})
	s.pending[key] = t
	return true
}

// claim removes key if it still refers to generation gen.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pending[key]
	if !ok || current.gen != gen {
		return false
	}
	delete(s.pending, key)
	return !s.closed
}

// Cancel stops the pending task for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	if t.timer.Stop() {
		s.wg.Done()
	}
	return true
}

// Pending reports whether key has a scheduled task.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending task and waits for running tasks to return. It
// must not be called from inside a task.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, t := range s.pending {
		if t.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
