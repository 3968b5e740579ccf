package gpac

import (
	"fmt"
	"sync"

	"pkt.systems/peersetd/api"
)

// Value is a GPAC vote or decision.
type Value string

const (
	Commit Value = api.GPACCommit
	Abort  Value = api.GPACAbort
)

func parseValue(s string) (Value, bool) {
	switch Value(s) {
	case Commit, Abort:
		return Value(s), true
	}
	return "", false
}

// Ballot orders competing coordinators: by Number, then by PeerID.
type Ballot struct {
	Number uint64
	PeerID string
}

// Less reports whether b orders before o.
func (b Ballot) Less(o Ballot) bool {
	if b.Number != o.Number {
		return b.Number < o.Number
	}
	return b.PeerID < o.PeerID
}

// IsZero reports whether b is the unset ballot.
func (b Ballot) IsZero() bool {
	return b.Number == 0 && b.PeerID == ""
}

func (b Ballot) String() string {
	return fmt.Sprintf("%d/%s", b.Number, b.PeerID)
}

// ToAPI renders b in its wire form.
func (b Ballot) ToAPI() api.Ballot {
	return api.Ballot{Number: b.Number, PeerID: b.PeerID}
}

func ballotFromAPI(b api.Ballot) Ballot {
	return Ballot{Number: b.Number, PeerID: b.PeerID}
}

func maxBallot(a, b Ballot) Ballot {
	if a.Less(b) {
		return b
	}
	return a
}

// ballotSource hands out ballots strictly greater than any ballot observed by
// this node.
type ballotSource struct {
	self string

	mu   sync.Mutex
	high uint64
}

func (s *ballotSource) observe(b Ballot) {
	s.mu.Lock()
	if b.Number > s.high {
		s.high = b.Number
	}
	s.mu.Unlock()
}

func (s *ballotSource) next(above Ballot) Ballot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if above.Number > s.high {
		s.high = above.Number
	}
	s.high++
	return Ballot{Number: s.high, PeerID: s.self}
}
