package gpac

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

// target is one (peerset, peer) pair a phase message goes to.
type target struct {
	peerset string
	peer    string
}

type reply[T any] struct {
	target target
	resp   T
	err    error
}

func (p *Protocol) targets(ch change.Change) ([]target, error) {
	var out []target
	for _, ps := range ch.Peersets() {
		members, ok := p.resolver.Members(ps.ID)
		if !ok {
			return nil, failure.UnknownPeerset(ps.ID)
		}
		for _, m := range members {
			out = append(out, target{peerset: ps.ID, peer: m.ID})
		}
	}
	return out, nil
}

// run drives ch through ballots until a decision is applied or the retry
// policy gives up. above is a ballot the first ballot must exceed.
func (p *Protocol) run(ctx context.Context, ch change.Change, above Ballot, recovery bool) (change.Result, error) {
	start := p.clock.Now()
	targets, err := p.targets(ch)
	if err != nil {
		return change.Result{}, err
	}
	logger := svcfields.WithChange(p.coordLogger, "", ch.ID()).With("recovery", recovery)
	retrier := p.retry.Start()
	ballot := p.ballots.next(above)
	var (
		lastErr    error
		known      Value
		knownUnder Ballot
	)
	for {
		p.metrics.recordRound(ctx, recovery)
		logger.Debug("gpac.round.start", "ballot", ballot.String(), "attempt", retrier.Attempt())
		res, chosen, err := p.round(ctx, ch, ballot, targets, logger)
		if chosen != "" {
			known, knownUnder = chosen, ballot
		}
		if err == nil {
			p.metrics.recordTransaction(ctx, res.Status, p.clock.Now().Sub(start))
			logger.Info("gpac.transaction.done", "ballot", ballot.String(), "status", res.Status, "entry_id", res.EntryID)
			return res, nil
		}
		lastErr = err
		seen := ballot
		if f, ok := failure.As(err); ok && f.Ballot != nil {
			seen = maxBallot(seen, ballotFromAPI(*f.Ballot))
			p.ballots.observe(seen)
		}
		logger.Debug("gpac.round.failed", "ballot", ballot.String(), "error", err)
		if ctx.Err() != nil {
			break
		}
		delay, ok := retrier.Next()
		if !ok {
			break
		}
		if err := backoff.Wait(ctx, p.clock, delay); err != nil {
			break
		}
		ballot = p.ballots.next(seen)
	}
	var res change.Result
	if known != "" {
		// Some peersets may already have applied it; local state waits for recovery.
		p.holdLocal(ch, knownUnder, known)
		res = change.Timeout(ch.ID(), fmt.Sprintf("decided %s but not applied everywhere after %d attempts, recovery continues: %v", known, retrier.Attempt(), lastErr))
	} else {
		p.abandonLocal(ch)
		res = change.Timeout(ch.ID(), fmt.Sprintf("no decision after %d attempts: %v", retrier.Attempt(), lastErr))
	}
	p.metrics.recordTransaction(ctx, res.Status, p.clock.Now().Sub(start))
	logger.Warn("gpac.transaction.timeout", "attempts", retrier.Attempt(), "error", lastErr)
	return res, nil
}

// round runs Elect, Agree and Apply under one ballot. chosen is set once the
// value is known to be decided, even when a later phase fails.
func (p *Protocol) round(ctx context.Context, ch change.Change, ballot Ballot, targets []target, logger pslog.Logger) (res change.Result, chosen Value, err error) {
	wire := ch.ToAPI()
	wireBallot := ballot.ToAPI()

	promises, err := runPhase(ctx, p, "elect", targets, false, func(ctx context.Context, t target) (api.ElectedYouResponse, error) {
		return p.transport.Elect(ctx, t.peer, api.ElectMeRequest{ChangeID: ch.ID(), PeersetID: t.peerset, Ballot: wireBallot, Change: wire})
	}, nil)
	if err != nil {
		return change.Result{}, "", err
	}
	value, decided, aborting := chooseValue(promises)
	logger.Debug("gpac.elect.quorum", "ballot", ballot.String(), "value", value, "decided", decided)

	if !decided {
		_, err = runPhase(ctx, p, "agree", targets, false, func(ctx context.Context, t target) (api.AgreedResponse, error) {
			return p.transport.Agree(ctx, t.peer, api.AgreeRequest{ChangeID: ch.ID(), PeersetID: t.peerset, Ballot: wireBallot, Value: string(value), Change: wire})
		}, func(r api.AgreedResponse) bool { return r.Accepted })
		if err != nil {
			return change.Result{}, "", err
		}
		logger.Debug("gpac.agree.quorum", "ballot", ballot.String(), "value", value)
	}
	chosen = value

	applied, err := runPhase(ctx, p, "apply", targets, true, func(ctx context.Context, t target) (api.ApplyResponse, error) {
		return p.transport.Apply(ctx, t.peer, api.ApplyRequest{ChangeID: ch.ID(), PeersetID: t.peerset, Ballot: wireBallot, Decision: string(value), Change: wire})
	}, nil)
	if err != nil {
		return change.Result{}, chosen, err
	}
	return aggregate(ch, value, aborting, applied), chosen, nil
}

// runPhase fans call out to targets and waits for a quorum of accepted
// replies per peerset. Ballot rejections end the phase at once. With waitAll
// the phase keeps collecting after quorum until every target answered or the
// phase deadline passed.
func runPhase[T any](ctx context.Context, p *Protocol, name string, targets []target, waitAll bool, call func(context.Context, target) (T, error), accept func(T) bool) ([]reply[T], error) {
	ctx, cancel := context.WithTimeout(ctx, p.phaseTimeout)
	replies := make(chan reply[T], len(targets))
	var g errgroup.Group
	for _, tg := range targets {
		g.Go(func() error {
			resp, err := call(ctx, tg)
			replies <- reply[T]{target: tg, resp: resp, err: err}
			return nil
		})
	}
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	t := newTally(p.quorum, targets)
	var got []reply[T]
	fail := func(reason string, err error) ([]reply[T], error) {
		p.metrics.recordPhaseFailure(ctx, name, reason)
		return got, err
	}
	for received := 0; received < len(targets); received++ {
		select {
		case <-ctx.Done():
			if waitAll && t.reached() {
				return got, nil
			}
			return fail("deadline", failure.New(failure.CodeTimeout, "%s: no quorum from peersets %s", name, strings.Join(t.missing(), ",")))
		case r := <-replies:
			if r.err != nil {
				if failure.Is(r.err, failure.CodeNotElectingYou) || failure.Is(r.err, failure.CodeNotValidLeader) {
					return fail("rejected", r.err)
				}
				t.failure(r.target.peerset)
			} else if accept != nil && !accept(r.resp) {
				t.failure(r.target.peerset)
			} else {
				got = append(got, r)
				t.success(r.target.peerset)
				if !waitAll && t.reached() {
					return got, nil
				}
			}
			if ps, lost := t.lost(); lost {
				detail := fmt.Sprintf("%s: peerset %s cannot reach quorum", name, ps)
				if r.err != nil {
					detail += ": " + r.err.Error()
				}
				return fail("unreachable", failure.Failure{Code: failure.CodeUnavailable, Detail: detail})
			}
		}
	}
	if t.reached() {
		return got, nil
	}
	return fail("unreachable", failure.New(failure.CodeUnavailable, "%s: no quorum from peersets %s", name, strings.Join(t.missing(), ",")))
}

// chooseValue applies the value rule to a quorum of promises: a decision any
// participant already applied wins, then the value accepted under the highest
// ballot, else commit only when every vote is commit.
func chooseValue(promises []reply[api.ElectedYouResponse]) (value Value, decided bool, aborting []string) {
	var (
		best    Ballot
		bestVal Value
		found   bool
	)
	for _, r := range promises {
		if v, ok := parseValue(r.resp.Decided); ok {
			return v, true, nil
		}
		if r.resp.AcceptNum != nil {
			if v, ok := parseValue(r.resp.AcceptVal); ok {
				num := ballotFromAPI(*r.resp.AcceptNum)
				if !found || best.Less(num) {
					best, bestVal, found = num, v, true
				}
			}
		}
		if Value(r.resp.InitVal) != Commit {
			aborting = appendUnique(aborting, r.target.peerset)
		}
	}
	if found {
		return bestVal, false, aborting
	}
	if len(aborting) == 0 {
		return Commit, false, nil
	}
	return Abort, false, aborting
}

// aggregate folds per-peerset apply results into the caller's result.
func aggregate(ch change.Change, value Value, aborting []string, applied []reply[api.ApplyResponse]) change.Result {
	if value == Abort {
		detail := "transaction aborted"
		if len(aborting) > 0 {
			detail = fmt.Sprintf("change does not fit the head of peerset %s", strings.Join(aborting, ","))
		}
		return change.Aborted(ch.ID(), detail)
	}
	byPeerset := make(map[string]change.Result, len(applied))
	for _, r := range applied {
		if _, ok := byPeerset[r.target.peerset]; ok {
			continue
		}
		byPeerset[r.target.peerset] = change.ResultFromAPI(r.resp.Result)
	}
	var first change.Result
	for i, ps := range ch.Peersets() {
		res := byPeerset[ps.ID]
		res.ChangeID = ch.ID()
		if !res.OK() {
			if res.Detail == "" {
				res.Detail = fmt.Sprintf("peerset %s: %s", ps.ID, res.Status)
			}
			return res
		}
		if i == 0 {
			first = res
		}
	}
	return first
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
