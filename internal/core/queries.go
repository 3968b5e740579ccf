package core

import (
	"context"
	"errors"

	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/txlock"
)

// MaxHistoryLimit caps a single chain walk.
const MaxHistoryLimit = 1000

// local returns a hosted peerset. Known peersets hosted elsewhere yield a
// not_leader failure naming a member to ask instead.
func (s *Service) local(psID string) (*peerset.Context, error) {
	if psID == "" {
		return nil, failure.MissingParameter("peerset")
	}
	if ps, ok := s.registry.Get(psID); ok {
		return ps, nil
	}
	members, known := s.resolver.Members(psID)
	if !known {
		return nil, failure.UnknownPeerset(psID)
	}
	f := failure.New(failure.CodeNotLeader, "peerset %s is not hosted on %s", psID, s.self)
	if len(members) > 0 {
		f.Leader = members[0].ID
	}
	return nil, f
}

// Head returns the head entry id of a local peerset.
func (s *Service) Head(ctx context.Context, psID string) (string, error) {
	ps, err := s.local(psID)
	if err != nil {
		return "", err
	}
	return ps.Consensus.CurrentEntryID(ctx)
}

// Entry returns one entry of a local peerset.
func (s *Service) Entry(ctx context.Context, psID, id string) (history.Entry, error) {
	ps, err := s.local(psID)
	if err != nil {
		return history.Entry{}, err
	}
	if id == "" {
		return history.Entry{}, failure.MissingParameter("id")
	}
	e, err := ps.Consensus.Entry(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return history.Entry{}, failure.New(failure.CodeUnknownChange, "entry %s not found in peerset %s", id, psID)
	}
	return e, err
}

// History walks a local peerset from its head, newest first. limit <= 0 or
// above MaxHistoryLimit is clamped to MaxHistoryLimit.
func (s *Service) History(ctx context.Context, psID string, limit int) (string, []history.Entry, error) {
	ps, err := s.local(psID)
	if err != nil {
		return "", nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	head, err := ps.Consensus.CurrentEntryID(ctx)
	if err != nil {
		return "", nil, err
	}
	entries, err := ps.Consensus.Walk(ctx, head, limit)
	if err != nil {
		return "", nil, err
	}
	return head, entries, nil
}

// Blocked reports the transaction holding a local peerset's lock.
func (s *Service) Blocked(psID string) (txlock.Acquisition, bool, error) {
	ps, err := s.local(psID)
	if err != nil {
		return txlock.Acquisition{}, false, err
	}
	holder, held := ps.Lock.Holder()
	return holder, held, nil
}

// Self returns the local peer id.
func (s *Service) Self() string {
	return s.self
}
