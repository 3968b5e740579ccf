// Package peers resolves peer ids to network endpoints and tracks which peers
// form each peerset.
package peers

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Peer is one node of the deployment.
type Peer struct {
	ID string `json:"id" yaml:"id" mapstructure:"id"`
	// Address is the base HTTP URL of the peer, e.g. http://10.0.0.1:9450.
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	// RaftAddress is the host:port of the peer's raft transport.
	RaftAddress string `json:"raft_address,omitempty" yaml:"raft_address,omitempty" mapstructure:"raft_address"`
}

// Peerset names a replica group by its member peer ids.
type Peerset struct {
	ID    string   `json:"id" yaml:"id" mapstructure:"id"`
	Peers []string `json:"peers" yaml:"peers" mapstructure:"peers"`
}

// Topology is the static layout of peers and peersets.
type Topology struct {
	Peers    []Peer    `json:"peers" yaml:"peers" mapstructure:"peers"`
	Peersets []Peerset `json:"peersets" yaml:"peersets" mapstructure:"peersets"`
}

// Validate checks ids are unique and every peerset member is a known peer.
func (t Topology) Validate() error {
	if len(t.Peersets) == 0 {
		return errors.New("peers: topology defines no peersets")
	}
	known := make(map[string]struct{}, len(t.Peers))
	for _, p := range t.Peers {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("peers: peer id required")
		}
		if _, dup := known[p.ID]; dup {
			return fmt.Errorf("peers: duplicate peer %q", p.ID)
		}
		if strings.TrimSpace(p.Address) == "" {
			return fmt.Errorf("peers: peer %q has no address", p.ID)
		}
		known[p.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(t.Peersets))
	for _, ps := range t.Peersets {
		if strings.TrimSpace(ps.ID) == "" {
			return errors.New("peers: peerset id required")
		}
		if _, dup := seen[ps.ID]; dup {
			return fmt.Errorf("peers: duplicate peerset %q", ps.ID)
		}
		seen[ps.ID] = struct{}{}
		if len(ps.Peers) == 0 {
			return fmt.Errorf("peers: peerset %q has no members", ps.ID)
		}
		for _, member := range ps.Peers {
			if _, ok := known[member]; !ok {
				return fmt.Errorf("peers: peerset %q references unknown peer %q", ps.ID, member)
			}
		}
	}
	return nil
}

// Membership returns a canonical string of the peerset layout, ignoring
// addresses. Two topologies with equal membership differ only in endpoints.
func (t Topology) Membership() string {
	parts := make([]string, 0, len(t.Peersets))
	for _, ps := range t.Peersets {
		members := append([]string(nil), ps.Peers...)
		sort.Strings(members)
		parts = append(parts, ps.ID+"="+strings.Join(members, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// LoadFile reads the peers and peersets sections of a YAML config file.
// Unrelated keys are ignored.
func LoadFile(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("peers: read %s: %w", path, err)
	}
	var topo Topology
	if err := yaml.Unmarshal(raw, &topo); err != nil {
		return Topology{}, fmt.Errorf("peers: parse %s: %w", path, err)
	}
	if err := topo.Validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}
