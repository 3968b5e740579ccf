package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/txlock"
)

const routeSingle = "single"

// single appends a one-peerset change. The peerset lock is held only around
// the append so it cannot interleave with a cross-peerset transaction.
func (s *Service) single(ctx context.Context, ch change.Standard) (change.Result, error) {
	psID := ch.Parents[0].ID
	local, ok := s.registry.Get(psID)
	if !ok {
		return s.forwardToMembers(ctx, psID, "", ch)
	}
	return s.retryLocked(ctx, ch.ChangeID, func(ctx context.Context) (change.Result, error) {
		return s.appendLocked(ctx, local, ch)
	})
}

func (s *Service) appendLocked(ctx context.Context, ps *peerset.Context, ch change.Standard) (change.Result, error) {
	ticket := txlock.Acquisition{Protocol: txlock.ProtocolLocal, ChangeID: ch.ChangeID}
	if err := ps.Lock.Acquire(ticket); err != nil {
		var locked *txlock.AlreadyLockedError
		if errors.As(err, &locked) {
			return change.Result{}, locked.Failure()
		}
		return change.Result{}, err
	}
	defer func() { _ = ps.Lock.Release(ticket) }()
	return ps.Consensus.ProposeChange(ctx, ch)
}

// multi commits a cross-peerset change with proto.
func (s *Service) multi(ctx context.Context, ch change.Standard, proto string) (change.Result, error) {
	switch proto {
	case api.ProtocolTwoPC:
		res, err := s.retryLocked(ctx, ch.ChangeID, func(ctx context.Context) (change.Result, error) {
			return s.twopc.Submit(ctx, ch)
		})
		if f, ok := failure.As(err); ok && f.Code == failure.CodeNotLeader && f.Leader != "" && s.forwarder != nil {
			// 2PC is led by a member of the first local peerset; this node has none.
			s.logger.Debug("change.twopc.forward", svcfields.ChangeKey, ch.ChangeID, svcfields.PeerKey, f.Leader)
			return s.forwarder.ForwardSubmit(ctx, f.Leader, api.ProtocolTwoPC, ch)
		}
		return res, err
	default:
		return s.gpac.Submit(ctx, ch)
	}
}

// forwardToMembers hands ch to the members of a peerset this node does not
// host, trying each until one answers.
func (s *Service) forwardToMembers(ctx context.Context, psID, proto string, ch change.Standard) (change.Result, error) {
	if s.forwarder == nil {
		return change.Result{}, failure.New(failure.CodeUnavailable, "peerset %s is not hosted here and forwarding is disabled", psID)
	}
	members, _ := s.resolver.Members(psID)
	var lastErr error
	for _, m := range members {
		res, err := s.forwarder.ForwardSubmit(ctx, m.ID, proto, ch)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !failure.Is(err, failure.CodeUnavailable) {
			return change.Result{}, err
		}
	}
	if lastErr == nil {
		lastErr = failure.New(failure.CodeUnavailable, "peerset %s has no members", psID)
	}
	return change.Result{}, lastErr
}

// retryLocked repeats fn while the peerset is held by another transaction
// or its consensus is unavailable. Exhaustion surfaces the last error.
func (s *Service) retryLocked(ctx context.Context, changeID string, fn func(context.Context) (change.Result, error)) (change.Result, error) {
	var res change.Result
	err := backoff.Do(ctx, s.clock, s.lockRetry, contended, func(ctx context.Context, attempt int) error {
		var err error
		res, err = fn(ctx)
		if err != nil && contended(err) {
			s.metrics.recordLockRetry(ctx)
			s.logger.Debug("change.lock.retry", svcfields.ChangeKey, changeID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil && contended(err) {
		return change.Result{}, fmt.Errorf("giving up after %d attempts: %w", s.lockRetry.MaxAttempts, err)
	}
	return res, err
}

func contended(err error) bool {
	return failure.Is(err, failure.CodeAlreadyLocked) || failure.Is(err, failure.CodeUnavailable)
}

// ProposeLocal appends ch to a local peerset through its consensus adapter
// without taking the transaction lock. It serves forwarded proposes.
func (s *Service) ProposeLocal(ctx context.Context, psID string, ch change.Change) (change.Result, error) {
	ps, err := s.registry.Must(psID)
	if err != nil {
		return change.Result{}, err
	}
	if !change.Involves(ch, psID) {
		return change.Result{}, failure.New(failure.CodeInvalidBody, "change %s does not touch peerset %s", ch.ID(), psID)
	}
	return ps.Consensus.ProposeChange(ctx, ch)
}
