package twopc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/txlock"
	"pkt.systems/pslog"
)

const decidedCacheSize = 4096

// refusedPollAttempts bounds decision queries for a refused accept. Such a
// participant holds no lock and only waits to write the abort marker.
const refusedPollAttempts = 8

// pending is a participant transaction waiting for its decision.
type pending struct {
	accepted change.TwoPC
	leader   string
	// voted reports that the ACCEPTED record was appended here.
	voted bool
	// refused is set when the accept was turned down; no lock is held.
	refused bool
	entryID string
	polls   *backoff.Retrier
}

// participant serves 2PC messages for one local peerset.
type participant struct {
	ps      *peerset.Context
	node    *Protocol
	metrics *twopcMetrics
	logger  pslog.Logger

	mu      sync.Mutex
	txns    map[string]*pending
	decided *lru.Cache
}

func newParticipant(ps *peerset.Context, node *Protocol) (*participant, error) {
	decided, err := lru.New(decidedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("twopc: decided cache: %w", err)
	}
	return &participant{
		ps:      ps,
		node:    node,
		metrics: node.metrics,
		logger:  svcfields.WithSubsystem(node.logger, "txn.twopc.participant").With(svcfields.PeersetKey, ps.ID),
		txns:    make(map[string]*pending),
		decided: decided,
	}, nil
}

func (p *participant) ticket(changeID string) txlock.Acquisition {
	return txlock.Acquisition{Protocol: txlock.ProtocolTwoPC, ChangeID: changeID}
}

func (p *participant) pollKey(changeID string) string {
	return "2pc/" + p.ps.ID + "/" + changeID
}

func (p *participant) lookupDecided(changeID string) (change.Result, bool) {
	v, ok := p.decided.Get(changeID)
	if !ok {
		return change.Result{}, false
	}
	return v.(change.Result), true
}

func (p *participant) accept(ctx context.Context, req api.AcceptRequest, accepted change.TwoPC) (api.AcceptResponse, error) {
	resp := api.AcceptResponse{ChangeID: req.ChangeID, PeersetID: p.ps.ID}
	logger := svcfields.WithChange(p.logger, "", req.ChangeID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.lookupDecided(req.ChangeID); ok {
		resp.Detail = fmt.Sprintf("transaction already decided: %s", res.Status)
		return resp, nil
	}
	if st, ok := p.txns[req.ChangeID]; ok {
		resp.Accepted = st.voted
		resp.EntryID = st.entryID
		if !st.voted {
			resp.Detail = "accept refused earlier"
		}
		return resp, nil
	}
	st := &pending{accepted: accepted, leader: req.LeaderPeerID, polls: p.node.askPolicy.Start()}
	if err := p.ps.Lock.Acquire(p.ticket(req.ChangeID)); err != nil {
		var locked *txlock.AlreadyLockedError
		if !errors.As(err, &locked) {
			return resp, err
		}
		p.refuse(req.ChangeID, st)
		resp.Detail = locked.Error()
		logger.Info("twopc.accept.refused", "reason", "locked", "holder", locked.Existing.String())
		return resp, nil
	}
	res, err := p.ps.Consensus.ProposeChange(ctx, accepted)
	if err != nil {
		_ = p.ps.Lock.Release(p.ticket(req.ChangeID))
		return resp, err
	}
	if !res.OK() {
		_ = p.ps.Lock.Release(p.ticket(req.ChangeID))
		p.refuse(req.ChangeID, st)
		resp.EntryID = res.EntryID
		resp.Detail = fmt.Sprintf("parent does not match head %s", res.EntryID)
		logger.Info("twopc.accept.refused", "reason", "conflict", "head", res.EntryID)
		return resp, nil
	}
	st.voted = true
	st.entryID = res.EntryID
	p.txns[req.ChangeID] = st
	p.schedulePoll(req.ChangeID, st)
	logger.Info("twopc.accept.recorded", "entry_id", res.EntryID, "leader", req.LeaderPeerID)
	resp.Accepted = true
	resp.EntryID = res.EntryID
	return resp, nil
}

// refuse remembers a turned down accept for a bounded number of decision
// queries. Callers hold p.mu.
func (p *participant) refuse(changeID string, st *pending) {
	st.refused = true
	policy := p.node.askPolicy
	policy.MaxAttempts = refusedPollAttempts
	st.polls = policy.Start()
	p.txns[changeID] = st
	p.schedulePoll(changeID, st)
}

// forget drops a refused transaction without a decision. Callers hold p.mu.
func (p *participant) forget(changeID, reason string) {
	delete(p.txns, changeID)
	p.node.sched.Cancel(p.pollKey(changeID))
	p.logger.Info("twopc.accept.refused_dropped", svcfields.ChangeKey, changeID, "reason", reason)
}

// decide applies decision. accepted may be zero when the caller only knows
// the change id; the pending state then supplies it.
func (p *participant) decide(ctx context.Context, changeID string, decision change.TwoPCStatus, accepted *change.TwoPC, source string) (change.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.lookupDecided(changeID); ok {
		return res, nil
	}
	st, known := p.txns[changeID]
	var ch change.TwoPC
	switch {
	case accepted != nil:
		ch = *accepted
	case known:
		ch = st.accepted
	default:
		return change.Result{}, failure.New(failure.CodeUnknownChange, "no pending 2pc transaction %s on peerset %s", changeID, p.ps.ID)
	}

	var (
		res change.Result
		err error
	)
	switch decision {
	case change.TwoPCAccepted:
		res, err = p.commit(ctx, ch, st)
	case change.TwoPCAborted:
		res, err = p.abort(ctx, ch)
	default:
		return change.Result{}, failure.New(failure.CodeInvalidBody, "unknown decision %q", decision)
	}
	if err != nil {
		return change.Result{}, err
	}
	p.decided.Add(changeID, res)
	delete(p.txns, changeID)
	p.node.sched.Cancel(p.pollKey(changeID))
	p.ps.Lock.ReleaseChange(changeID)
	p.metrics.recordDecision(ctx, decision, source)
	p.logger.Info("twopc.decision.applied", svcfields.ChangeKey, changeID, "decision", decision, "source", source, "status", res.Status, "entry_id", res.EntryID)
	return res, nil
}

// commit appends the inner change on top of this peerset's ACCEPTED record.
func (p *participant) commit(ctx context.Context, accepted change.TwoPC, st *pending) (change.Result, error) {
	acceptedEntry := ""
	if st != nil && st.voted {
		acceptedEntry = st.entryID
	} else {
		entry, err := change.ToEntry(accepted, p.ps.ID)
		if err != nil {
			return change.Result{}, err
		}
		if _, err := p.ps.Consensus.Entry(ctx, entry.ID); err != nil {
			if errors.Is(err, history.ErrNotFound) {
				return change.Result{}, failure.New(failure.CodeConflict, "peerset %s never recorded accept for %s", p.ps.ID, accepted.ChangeID)
			}
			return change.Result{}, err
		}
		acceptedEntry = entry.ID
	}
	inner := change.WithParent(accepted.Inner, p.ps.ID, acceptedEntry)
	return p.ps.Consensus.ProposeChange(ctx, inner)
}

// abort appends an ABORTED marker on the current head unless another
// transaction holds the peerset.
func (p *participant) abort(ctx context.Context, accepted change.TwoPC) (change.Result, error) {
	if holder, held := p.ps.Lock.Holder(); held && holder.ChangeID != accepted.ChangeID {
		return change.Aborted(accepted.ChangeID, fmt.Sprintf("peerset %s is held by %s; no marker written", p.ps.ID, holder)), nil
	}
	return appendAbortMarker(ctx, p.ps, accepted)
}

func appendAbortMarker(ctx context.Context, ps *peerset.Context, accepted change.TwoPC) (change.Result, error) {
	head, err := ps.Consensus.CurrentEntryID(ctx)
	if err != nil {
		return change.Result{}, err
	}
	marker := change.WithParent(accepted.Aborted(), ps.ID, head)
	res, err := ps.Consensus.ProposeChange(ctx, marker)
	if err != nil {
		return change.Result{}, err
	}
	if !res.OK() {
		return change.Aborted(accepted.ChangeID, fmt.Sprintf("abort marker on %s not written: %s", ps.ID, res.Detail)), nil
	}
	out := change.Aborted(accepted.ChangeID, "transaction aborted")
	out.EntryID = res.EntryID
	return out, nil
}

// schedulePoll arms the next decision query. Callers hold p.mu.
func (p *participant) schedulePoll(changeID string, st *pending) {
	if st.leader == "" || st.polls == nil {
		if st.refused {
			p.forget(changeID, "no_leader")
		}
		return
	}
	delay, ok := st.polls.Next()
	if !ok {
		if st.refused {
			p.forget(changeID, "polls_exhausted")
			return
		}
		st.polls.Reset()
		delay, _ = st.polls.Next()
	}
	p.node.sched.Schedule(p.pollKey(changeID), delay, func() {
		p.poll(changeID)
	})
}

func (p *participant) poll(changeID string) {
	p.mu.Lock()
	st, ok := p.txns[changeID]
	if !ok {
		p.mu.Unlock()
		return
	}
	leader := st.leader
	p.mu.Unlock()

	ctx := p.node.baseCtx
	resp, err := p.node.transport.Ask(ctx, leader, changeID)
	p.metrics.recordPoll(ctx, err == nil && resp.Decided)
	if err == nil && resp.Decided {
		decision := change.TwoPCStatus(resp.Decision)
		_, applyErr := p.decide(ctx, changeID, decision, nil, "ask")
		if applyErr == nil {
			return
		}
		p.logger.Warn("twopc.ask.apply_failed", svcfields.ChangeKey, changeID, "error", applyErr)
	} else if err != nil {
		p.logger.Debug("twopc.ask.failed", svcfields.ChangeKey, changeID, "leader", leader, "error", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok = p.txns[changeID]
	if !ok {
		return
	}
	if st.refused && failure.Is(err, failure.CodeUnknownChange) {
		p.forget(changeID, "unknown_to_leader")
		return
	}
	p.schedulePoll(changeID, st)
}
