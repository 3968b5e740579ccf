// Package consensus defines the boundary between the commit protocols and the
// single-peerset consensus protocol that replicates a peerset's history.
//
// The commit protocols only propose changes and read heads and entries. They
// never look at terms, votes or logs of the underlying protocol.
package consensus

import (
	"context"
	"sync"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/history"
)

// LeaderInfo describes a local leader change.
type LeaderInfo struct {
	PeersetID string
	// LeaderID is the peer id of the new leader, empty while unknown.
	LeaderID string
}

// Adapter is the local consensus surface of one peerset.
type Adapter interface {
	PeersetID() string
	// ProposeChange appends the entry ch produces in this peerset. Conflicts
	// with the current head are reported as a result, not an error. Errors
	// are reserved for infrastructure failures.
	ProposeChange(ctx context.Context, ch change.Change) (change.Result, error)
	CurrentEntryID(ctx context.Context) (string, error)
	Entry(ctx context.Context, id string) (history.Entry, error)
	Walk(ctx context.Context, from string, limit int) ([]history.Entry, error)
	// Leader returns the current leader peer id, empty while unknown.
	Leader() string
	// SubscribeLeaderChange registers fn for leader changes and returns a
	// function that removes it.
	SubscribeLeaderChange(fn func(LeaderInfo)) (cancel func())
	Close() error
}

// Forwarder sends a propose to the peerset leader on another node.
type Forwarder interface {
	ForwardPropose(ctx context.Context, leaderPeerID, peersetID string, ch change.Change) (change.Result, error)
}

// ResultOf maps a history append outcome onto a change result.
func ResultOf(changeID string, res history.AppendResult, err error) (change.Result, error) {
	if err != nil {
		if conflict, ok := history.IsConflict(err); ok {
			return change.Conflict(changeID, conflict.Head, conflict.Error()), nil
		}
		return change.Result{}, err
	}
	return change.Success(changeID, res.EntryID), nil
}

// Subscribers fans leader changes out to registered callbacks.
type Subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(LeaderInfo)
}

// Add registers fn.
func (s *Subscribers) Add(fn func(LeaderInfo)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(LeaderInfo))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// Notify calls every registered callback with info.
func (s *Subscribers) Notify(info LeaderInfo) {
	s.mu.Lock()
	fns := make([]func(LeaderInfo), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}
