package gpac

import (
	"fmt"
	"strings"
)

// QuorumMode selects how many replies each peerset must contribute per phase.
type QuorumMode string

const (
	// QuorumOne needs a single live representative per peerset.
	QuorumOne QuorumMode = "one"
	// QuorumMajority needs floor(n/2)+1 members per peerset.
	QuorumMajority QuorumMode = "majority"
)

// ParseQuorumMode validates s. Empty selects QuorumOne.
func ParseQuorumMode(s string) (QuorumMode, error) {
	switch QuorumMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", QuorumOne:
		return QuorumOne, nil
	case QuorumMajority:
		return QuorumMajority, nil
	}
	return "", fmt.Errorf("gpac: unknown quorum mode %q", s)
}

// Need returns the replies required from a peerset of n members.
func (m QuorumMode) Need(n int) int {
	if n <= 0 {
		return 0
	}
	if m == QuorumMajority {
		return n/2 + 1
	}
	return 1
}

// tally counts per-peerset replies for one phase.
type tally struct {
	need   map[string]int
	size   map[string]int
	ok     map[string]int
	failed map[string]int
}

func newTally(mode QuorumMode, targets []target) *tally {
	t := &tally{
		need:   make(map[string]int),
		size:   make(map[string]int),
		ok:     make(map[string]int),
		failed: make(map[string]int),
	}
	for _, tg := range targets {
		t.size[tg.peerset]++
	}
	for ps, n := range t.size {
		t.need[ps] = mode.Need(n)
	}
	return t
}

func (t *tally) success(peerset string) { t.ok[peerset]++ }
func (t *tally) failure(peerset string) { t.failed[peerset]++ }

// reached reports whether every peerset met its quorum.
func (t *tally) reached() bool {
	for ps, need := range t.need {
		if t.ok[ps] < need {
			return false
		}
	}
	return true
}

// lost returns a peerset that can no longer reach its quorum.
func (t *tally) lost() (string, bool) {
	for ps, need := range t.need {
		if t.size[ps]-t.failed[ps] < need {
			return ps, true
		}
	}
	return "", false
}

// missing lists peersets still short of quorum.
func (t *tally) missing() []string {
	var out []string
	for ps, need := range t.need {
		if t.ok[ps] < need {
			out = append(out, ps)
		}
	}
	return out
}
