// Package results remembers terminal change results so asynchronous callers
// can look them up by change id, and lets synchronous callers wait for them.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
)

// DefaultSize bounds the number of remembered results.
const DefaultSize = 16384

// ErrInFlight is returned by Begin when the change is already running here.
var ErrInFlight = errors.New("results: change already in flight")

type waiter struct {
	done chan struct{}
	res  change.Result
}

// Store tracks in-flight changes and caches their results.
type Store struct {
	mu      sync.Mutex
	pending map[string]*waiter
	done    *lru.Cache
}

// New returns a Store remembering up to size results (DefaultSize when <= 0).
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("results: cache: %w", err)
	}
	return &Store{pending: make(map[string]*waiter), done: cache}, nil
}

// Begin marks changeID as in flight. A change that already finished may be
// submitted again; its cached result is dropped.
func (s *Store) Begin(changeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[changeID]; ok {
		return ErrInFlight
	}
	s.done.Remove(changeID)
	s.pending[changeID] = &waiter{done: make(chan struct{})}
	return nil
}

// Complete records res and wakes every waiter. Results for changes that
// were never begun are cached as well; recovered transactions arrive that way.
func (s *Store) Complete(res change.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done.Add(res.ChangeID, res)
	if w, ok := s.pending[res.ChangeID]; ok {
		w.res = res
		close(w.done)
		delete(s.pending, res.ChangeID)
	}
}

// Lookup returns the cached result of changeID. pending is true while the
// change is still in flight.
func (s *Store) Lookup(changeID string) (res change.Result, pending bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[changeID]; ok {
		return change.Result{}, true, nil
	}
	if v, ok := s.done.Get(changeID); ok {
		return v.(change.Result), false, nil
	}
	return change.Result{}, false, failure.New(failure.CodeUnknownChange, "no result for change %q", changeID)
}

// Wait blocks until changeID completes or ctx ends.
func (s *Store) Wait(ctx context.Context, changeID string) (change.Result, error) {
	s.mu.Lock()
	w, ok := s.pending[changeID]
	if !ok {
		v, cached := s.done.Get(changeID)
		s.mu.Unlock()
		if cached {
			return v.(change.Result), nil
		}
		return change.Result{}, failure.New(failure.CodeUnknownChange, "no result for change %q", changeID)
	}
	s.mu.Unlock()
	select {
	case <-w.done:
		return w.res, nil
	case <-ctx.Done():
		return change.Result{}, ctx.Err()
	}
}

// InFlight returns the number of running changes.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
