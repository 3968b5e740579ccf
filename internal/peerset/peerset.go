// Package peerset bundles the per-peerset state a node holds: the local
// consensus adapter and the transaction lock guarding its history.
package peerset

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/txlock"
)

// Context is the state of one peerset on this node.
type Context struct {
	ID        string
	Consensus consensus.Adapter
	Lock      *txlock.Lock
}

// New builds a Context around adapter.
func New(adapter consensus.Adapter) *Context {
	return &Context{
		ID:        adapter.PeersetID(),
		Consensus: adapter,
		Lock:      txlock.New(adapter.PeersetID()),
	}
}

// Compatibility is the outcome of checking a change against the local head.
type Compatibility struct {
	// OK reports that the change's entry can be appended or is already present.
	OK bool
	// Present reports that the entry is already part of the history.
	Present bool
	// Head is the head the check ran against.
	Head string
	// EntryID is the entry the change produces in this peerset.
	EntryID string
}

// Check tests whether ch fits the local history: its parent for this peerset
// is the head, or its entry is already present.
func (p *Context) Check(ctx context.Context, ch change.Change) (Compatibility, error) {
	entry, err := change.ToEntry(ch, p.ID)
	if err != nil {
		return Compatibility{}, err
	}
	head, err := p.Consensus.CurrentEntryID(ctx)
	if err != nil {
		return Compatibility{}, err
	}
	out := Compatibility{Head: head, EntryID: entry.ID}
	if _, err := p.Consensus.Entry(ctx, entry.ID); err == nil {
		out.OK = true
		out.Present = true
		return out, nil
	} else if !errors.Is(err, history.ErrNotFound) {
		return Compatibility{}, err
	}
	out.OK = entry.ParentID == head
	return out, nil
}

// Registry is the fixed set of peersets this node participates in. It is
// built once at startup and never mutated.
type Registry struct {
	byID  map[string]*Context
	order []string
}

// NewRegistry indexes contexts by peerset id.
func NewRegistry(contexts ...*Context) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Context, len(contexts))}
	for _, c := range contexts {
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("peerset: duplicate peerset %q", c.ID)
		}
		r.byID[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Get returns the context of id.
func (r *Registry) Get(id string) (*Context, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Must returns the context of id or an unknown_peerset failure.
func (r *Registry) Must(id string) (*Context, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, failure.UnknownPeerset(id)
	}
	return c, nil
}

// IDs lists local peersets in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Close closes every consensus adapter.
func (r *Registry) Close() error {
	var errs []error
	for _, id := range r.order {
		if err := r.byID[id].Consensus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peerset %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
