// Package change defines the closed set of change variants that peersets
// append to their histories, and their conversion to history entries.
package change

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/ids"
)

// Peerset pairs a peerset id with the parent entry a change expects there.
type Peerset struct {
	ID       string
	ParentID string
}

// Change is implemented by Standard and TwoPC only.
type Change interface {
	ID() string
	Peersets() []Peerset
	NotificationURL() string
	ToAPI() api.Change
	sealed()
}

// Standard is a client change carrying opaque content.
type Standard struct {
	ChangeID string
	Content  string
	Parents  []Peerset
	Notify   string
}

// TwoPCStatus is the 2PC outcome recorded by a TwoPC change.
type TwoPCStatus string

const (
	TwoPCAccepted TwoPCStatus = api.TwoPCStatusAccepted
	TwoPCAborted  TwoPCStatus = api.TwoPCStatusAborted
)

// TwoPC wraps a Standard change with a 2PC outcome.
type TwoPC struct {
	ChangeID      string
	Status        TwoPCStatus
	Inner         Standard
	LeaderPeerset string
	Parents       []Peerset
	Notify        string
}

func (s Standard) ID() string              { return s.ChangeID }
func (s Standard) Peersets() []Peerset     { return s.Parents }
func (s Standard) NotificationURL() string { return s.Notify }
func (Standard) sealed()                   {}

func (t TwoPC) ID() string              { return t.ChangeID }
func (t TwoPC) Peersets() []Peerset     { return t.Parents }
func (t TwoPC) NotificationURL() string { return t.Notify }
func (TwoPC) sealed()                   {}

// ToAPI renders the change in its wire form.
func (s Standard) ToAPI() api.Change {
	return api.Change{
		Type:            api.ChangeTypeStandard,
		ID:              s.ChangeID,
		Content:         s.Content,
		Peersets:        peersetsToAPI(s.Parents),
		NotificationURL: s.Notify,
	}
}

// ToAPI renders the change in its wire form.
func (t TwoPC) ToAPI() api.Change {
	inner := t.Inner.ToAPI()
	return api.Change{
		Type:            api.ChangeTypeTwoPC,
		ID:              t.ChangeID,
		Peersets:        peersetsToAPI(t.Parents),
		NotificationURL: t.Notify,
		Status:          string(t.Status),
		Inner:           &inner,
		LeaderPeerset:   t.LeaderPeerset,
	}
}

// NewID returns a fresh change id.
func NewID() string {
	return ids.NewChange()
}

// FromAPI validates and converts a wire change.
func FromAPI(in api.Change) (Change, error) {
	if len(in.Peersets) == 0 {
		return nil, failure.MissingParameter("peersets")
	}
	parents := make([]Peerset, 0, len(in.Peersets))
	seen := make(map[string]struct{}, len(in.Peersets))
	for _, ps := range in.Peersets {
		id := strings.TrimSpace(ps.PeersetID)
		if id == "" {
			return nil, failure.MissingParameter("peersets[].peerset_id")
		}
		if _, dup := seen[id]; dup {
			return nil, failure.New(failure.CodeInvalidBody, "peerset %q listed twice", id)
		}
		seen[id] = struct{}{}
		parent := strings.TrimSpace(ps.ParentID)
		if parent == "" {
			parent = history.InitialID
		}
		parents = append(parents, Peerset{ID: id, ParentID: parent})
	}
	switch in.Type {
	case api.ChangeTypeStandard, "":
		return Standard{ChangeID: in.ID, Content: in.Content, Parents: parents, Notify: in.NotificationURL}, nil
	case api.ChangeTypeTwoPC:
		if in.Inner == nil {
			return nil, failure.MissingParameter("inner")
		}
		innerChange, err := FromAPI(*in.Inner)
		if err != nil {
			return nil, err
		}
		inner, ok := innerChange.(Standard)
		if !ok {
			return nil, failure.New(failure.CodeInvalidBody, "two_pc change must wrap a standard change")
		}
		status := TwoPCStatus(in.Status)
		if status != TwoPCAccepted && status != TwoPCAborted {
			return nil, failure.New(failure.CodeInvalidBody, "unknown two_pc status %q", in.Status)
		}
		return TwoPC{
			ChangeID:      in.ID,
			Status:        status,
			Inner:         inner,
			LeaderPeerset: in.LeaderPeerset,
			Parents:       parents,
			Notify:        in.NotificationURL,
		}, nil
	default:
		return nil, failure.New(failure.CodeInvalidBody, "unknown change type %q", in.Type)
	}
}

// Encode serializes ch deterministically for use as history entry content.
func Encode(ch Change) []byte {
	raw, err := json.Marshal(ch.ToAPI())
	if err != nil {
		// api.Change contains only strings and slices of strings.
		panic(fmt.Sprintf("change: encode: %v", err))
	}
	return raw
}

// Decode parses entry content produced by Encode.
func Decode(content []byte) (Change, error) {
	var in api.Change
	if err := json.Unmarshal(content, &in); err != nil {
		return nil, fmt.Errorf("change: decode: %w", err)
	}
	return FromAPI(in)
}

// ParentFor returns the parent ch expects in peerset.
func ParentFor(ch Change, peerset string) (string, bool) {
	for _, ps := range ch.Peersets() {
		if ps.ID == peerset {
			return ps.ParentID, true
		}
	}
	return "", false
}

// Involves reports whether ch touches peerset.
func Involves(ch Change, peerset string) bool {
	_, ok := ParentFor(ch, peerset)
	return ok
}

// PeersetIDs lists the peersets ch touches in declaration order.
func PeersetIDs(ch Change) []string {
	out := make([]string, 0, len(ch.Peersets()))
	for _, ps := range ch.Peersets() {
		out = append(out, ps.ID)
	}
	return out
}

// ToEntry builds the history entry ch produces in peerset.
func ToEntry(ch Change, peerset string) (history.Entry, error) {
	parent, ok := ParentFor(ch, peerset)
	if !ok {
		return history.Entry{}, failure.UnknownPeerset(peerset)
	}
	return history.NewEntry(parent, Encode(ch)), nil
}

// FromEntry decodes the change carried by e.
func FromEntry(e history.Entry) (Change, error) {
	if e.IsInitial() {
		return nil, fmt.Errorf("change: initial entry carries no change")
	}
	return Decode(e.Content)
}

// WithParent returns a copy of ch expecting parent in peerset.
func WithParent(ch Change, peerset, parent string) Change {
	switch c := ch.(type) {
	case Standard:
		c.Parents = replaceParent(c.Parents, peerset, parent)
		return c
	case TwoPC:
		c.Parents = replaceParent(c.Parents, peerset, parent)
		return c
	default:
		panic(fmt.Sprintf("change: unknown variant %T", ch))
	}
}

// AcceptedTwoPC wraps inner as the ACCEPTED record written by the 2PC
// leader and its participants.
func AcceptedTwoPC(inner Standard, leaderPeerset string) TwoPC {
	return TwoPC{
		ChangeID:      inner.ChangeID,
		Status:        TwoPCAccepted,
		Inner:         inner,
		LeaderPeerset: leaderPeerset,
		Parents:       append([]Peerset(nil), inner.Parents...),
		Notify:        inner.Notify,
	}
}

// Aborted returns t with status ABORTED.
func (t TwoPC) Aborted() TwoPC {
	t.Status = TwoPCAborted
	t.Parents = append([]Peerset(nil), t.Parents...)
	return t
}

func replaceParent(in []Peerset, peerset, parent string) []Peerset {
	out := make([]Peerset, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ID == peerset {
			out[i].ParentID = parent
		}
	}
	return out
}

func peersetsToAPI(in []Peerset) []api.ChangePeerset {
	out := make([]api.ChangePeerset, 0, len(in))
	for _, ps := range in {
		out = append(out, api.ChangePeerset{PeersetID: ps.ID, ParentID: ps.ParentID})
	}
	return out
}
