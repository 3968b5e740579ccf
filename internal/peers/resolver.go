package peers

import (
	"fmt"
	"sync"
)

// Resolver answers address and membership lookups against a topology that
// may be refreshed at runtime.
type Resolver struct {
	self string

	mu       sync.RWMutex
	peers    map[string]Peer
	peersets map[string][]string
	order    []string
	topo     Topology
}

// NewResolver validates topo and returns a Resolver for the local peer self.
func NewResolver(self string, topo Topology) (*Resolver, error) {
	r := &Resolver{self: self}
	if err := r.load(topo); err != nil {
		return nil, err
	}
	if _, ok := r.Peer(self); !ok {
		return nil, fmt.Errorf("peers: self %q is not part of the topology", self)
	}
	return r, nil
}

func (r *Resolver) load(topo Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	peers := make(map[string]Peer, len(topo.Peers))
	for _, p := range topo.Peers {
		peers[p.ID] = p
	}
	peersets := make(map[string][]string, len(topo.Peersets))
	order := make([]string, 0, len(topo.Peersets))
	for _, ps := range topo.Peersets {
		peersets[ps.ID] = append([]string(nil), ps.Peers...)
		order = append(order, ps.ID)
	}
	r.mu.Lock()
	r.peers = peers
	r.peersets = peersets
	r.order = order
	r.topo = topo
	r.mu.Unlock()
	return nil
}

// Update swaps in a new topology. Membership must be unchanged; only peer
// endpoints may move without a restart.
func (r *Resolver) Update(topo Topology) error {
	r.mu.RLock()
	current := r.topo.Membership()
	r.mu.RUnlock()
	if err := topo.Validate(); err != nil {
		return err
	}
	if topo.Membership() != current {
		return fmt.Errorf("peers: membership changed; restart required")
	}
	return r.load(topo)
}

// SelfID returns the local peer id.
func (r *Resolver) SelfID() string {
	return r.self
}

// Peer resolves id.
func (r *Resolver) Peer(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Members returns the peers of peerset in declaration order.
func (r *Resolver) Members(peerset string) ([]Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.peersets[peerset]
	if !ok {
		return nil, false
	}
	out := make([]Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.peers[id])
	}
	return out, true
}

// HasPeerset reports whether peerset exists.
func (r *Resolver) HasPeerset(peerset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peersets[peerset]
	return ok
}

// PeersetsOf lists the peersets id belongs to.
func (r *Resolver) PeersetsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, ps := range r.order {
		for _, member := range r.peersets[ps] {
			if member == id {
				out = append(out, ps)
				break
			}
		}
	}
	return out
}

// IsMember reports whether peer belongs to peerset.
func (r *Resolver) IsMember(peerset, peer string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, member := range r.peersets[peerset] {
		if member == peer {
			return true
		}
	}
	return false
}

// Topology returns the current topology.
func (r *Resolver) Topology() Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topo
}
