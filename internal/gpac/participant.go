package gpac

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/schedule"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/txlock"
	"pkt.systems/pslog"
)

// decidedCacheSize bounds how many finished transactions a participant
// remembers for late or recovering coordinators.
const decidedCacheSize = 4096

// txnState is the participant's view of one in-flight transaction.
type txnState struct {
	change     change.Change
	promised   Ballot
	accepted   bool
	acceptNum  Ballot
	acceptVal  Value
	recovering bool
	// applying is set while the decision is proposed to the consensus layer.
	applying bool
}

// outcome is what a participant remembers after applying a decision.
type outcome struct {
	decision Value
	result   change.Result
}

// recoverFunc drives a transaction to a decision as a new coordinator.
type recoverFunc func(ctx context.Context, ch change.Change, above Ballot) change.Result

// participant serves GPAC messages for one local peerset.
type participant struct {
	ps                *peerset.Context
	sched             *schedule.Scheduler
	leaderFailTimeout time.Duration
	recover           recoverFunc
	onRecovered       func(change.Change, change.Result)
	baseCtx           context.Context
	metrics           *gpacMetrics
	logger            pslog.Logger

	mu      sync.Mutex
	txns    map[string]*txnState
	decided *lru.Cache
}

func newParticipant(ps *peerset.Context, p *Protocol) (*participant, error) {
	decided, err := lru.New(decidedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gpac: decided cache: %w", err)
	}
	return &participant{
		ps:                ps,
		sched:             p.sched,
		leaderFailTimeout: p.leaderFailTimeout,
		recover:           p.recoverTransaction,
		onRecovered:       p.onRecovered,
		baseCtx:           p.baseCtx,
		metrics:           p.metrics,
		logger:            svcfields.WithSubsystem(p.logger, "txn.gpac.participant").With(svcfields.PeersetKey, ps.ID),
		txns:              make(map[string]*txnState),
		decided:           decided,
	}, nil
}

func (p *participant) ticket(changeID string) txlock.Acquisition {
	return txlock.Acquisition{Protocol: txlock.ProtocolGPAC, ChangeID: changeID}
}

func (p *participant) timerKey(changeID string) string {
	return "gpac/" + p.ps.ID + "/" + changeID
}

func (p *participant) lookupDecided(changeID string) (outcome, bool) {
	v, ok := p.decided.Get(changeID)
	if !ok {
		return outcome{}, false
	}
	return v.(outcome), true
}

// state returns the transaction state for changeID, taking the peerset lock
// when the transaction is new to this participant. Callers hold p.mu.
func (p *participant) state(changeID string, ch change.Change) (*txnState, error) {
	if st, ok := p.txns[changeID]; ok {
		return st, nil
	}
	if err := p.ps.Lock.Acquire(p.ticket(changeID)); err != nil {
		if locked, ok := err.(*txlock.AlreadyLockedError); ok {
			return nil, locked.Failure()
		}
		return nil, err
	}
	st := &txnState{change: ch}
	p.txns[changeID] = st
	return st, nil
}

func (p *participant) elect(ctx context.Context, req api.ElectMeRequest, ch change.Change) (api.ElectedYouResponse, error) {
	ballot := ballotFromAPI(req.Ballot)
	resp := api.ElectedYouResponse{ChangeID: req.ChangeID, PeersetID: p.ps.ID, Ballot: req.Ballot}

	p.mu.Lock()
	if done, ok := p.lookupDecided(req.ChangeID); ok {
		p.mu.Unlock()
		return decidedPromise(resp, done), nil
	}
	_, existed := p.txns[req.ChangeID]
	st, err := p.state(req.ChangeID, ch)
	if err != nil {
		p.mu.Unlock()
		p.logger.Debug("gpac.elect.locked", svcfields.ChangeKey, req.ChangeID, "error", err)
		return resp, err
	}
	if err := p.checkPromise(st, ballot, failure.CodeNotElectingYou); err != nil {
		p.mu.Unlock()
		return resp, err
	}
	target := st.change
	p.mu.Unlock()

	// The history read may go over the network; p.mu is not held across it.
	vote, voteErr := p.vote(ctx, target)

	p.mu.Lock()
	defer p.mu.Unlock()
	if done, ok := p.lookupDecided(req.ChangeID); ok {
		return decidedPromise(resp, done), nil
	}
	if p.txns[req.ChangeID] != st {
		return resp, failure.New(failure.CodeUnavailable, "transaction %s changed during elect", req.ChangeID)
	}
	if voteErr != nil {
		if !existed && st.promised.IsZero() && !st.accepted && !st.applying {
			delete(p.txns, req.ChangeID)
			_ = p.ps.Lock.Release(p.ticket(req.ChangeID))
		}
		return resp, voteErr
	}
	if err := p.checkPromise(st, ballot, failure.CodeNotElectingYou); err != nil {
		return resp, err
	}
	st.promised = ballot
	resp.InitVal = string(vote)
	if st.accepted {
		resp.AcceptNum = ptrBallot(st.acceptNum)
		resp.AcceptVal = string(st.acceptVal)
	}
	p.armLeaderFail(req.ChangeID, st)
	p.metrics.recordPromise(ctx, p.ps.ID, vote)
	p.logger.Debug("gpac.elect.promised", svcfields.ChangeKey, req.ChangeID, "ballot", ballot.String(), "init_val", vote)
	return resp, nil
}

func decidedPromise(resp api.ElectedYouResponse, done outcome) api.ElectedYouResponse {
	resp.Decided = string(done.decision)
	resp.InitVal = string(done.decision)
	return resp
}

// checkPromise refuses ballots below the promise and transactions whose
// decision is being written. Callers hold p.mu.
func (p *participant) checkPromise(st *txnState, ballot Ballot, code string) error {
	if st.applying {
		return failure.New(failure.CodeUnavailable, "decision is being applied")
	}
	if ballot.Less(st.promised) {
		return failure.Failure{
			Code:   code,
			Detail: fmt.Sprintf("promised ballot %s is higher than %s", st.promised, ballot),
			Ballot: ptrBallot(st.promised),
		}
	}
	return nil
}

// vote reports commit when ch's entry fits the local head.
func (p *participant) vote(ctx context.Context, ch change.Change) (Value, error) {
	compat, err := p.ps.Check(ctx, ch)
	if err != nil {
		return "", err
	}
	if compat.OK {
		return Commit, nil
	}
	return Abort, nil
}

func (p *participant) agree(_ context.Context, req api.AgreeRequest, ch change.Change, val Value) (api.AgreedResponse, error) {
	ballot := ballotFromAPI(req.Ballot)
	resp := api.AgreedResponse{ChangeID: req.ChangeID, PeersetID: p.ps.ID, Ballot: req.Ballot}

	p.mu.Lock()
	defer p.mu.Unlock()
	if done, ok := p.lookupDecided(req.ChangeID); ok {
		if done.decision != val {
			return resp, failure.Failure{
				Code:   failure.CodeNotValidLeader,
				Detail: fmt.Sprintf("transaction already decided %s", done.decision),
			}
		}
		resp.Accepted = true
		return resp, nil
	}
	st, err := p.state(req.ChangeID, ch)
	if err != nil {
		return resp, err
	}
	if err := p.checkPromise(st, ballot, failure.CodeNotValidLeader); err != nil {
		return resp, err
	}
	st.promised = ballot
	st.accepted = true
	st.acceptNum = ballot
	st.acceptVal = val
	p.armLeaderFail(req.ChangeID, st)
	p.logger.Debug("gpac.agree.accepted", svcfields.ChangeKey, req.ChangeID, "ballot", ballot.String(), "value", val)
	resp.Accepted = true
	return resp, nil
}

func (p *participant) apply(ctx context.Context, req api.ApplyRequest, ch change.Change, decision Value) (api.ApplyResponse, error) {
	ballot := ballotFromAPI(req.Ballot)
	resp := api.ApplyResponse{ChangeID: req.ChangeID, PeersetID: p.ps.ID}

	p.mu.Lock()
	if done, ok := p.lookupDecided(req.ChangeID); ok {
		p.mu.Unlock()
		resp.Result = done.result.ToAPI()
		return resp, nil
	}
	if _, known := p.txns[req.ChangeID]; !known && decision == Abort {
		result := change.Aborted(req.ChangeID, "transaction aborted")
		p.finish(req.ChangeID, outcome{decision: Abort, result: result})
		p.mu.Unlock()
		resp.Result = result.ToAPI()
		return resp, nil
	}
	st, err := p.state(req.ChangeID, ch)
	if err != nil {
		p.mu.Unlock()
		return resp, err
	}
	if err := p.checkPromise(st, ballot, failure.CodeNotValidLeader); err != nil {
		p.mu.Unlock()
		return resp, err
	}
	if decision != Commit {
		result := change.Aborted(req.ChangeID, "transaction aborted")
		p.finish(req.ChangeID, outcome{decision: Abort, result: result})
		p.mu.Unlock()
		p.logger.Info("gpac.apply.done", svcfields.ChangeKey, req.ChangeID, "decision", decision, "status", result.Status)
		resp.Result = result.ToAPI()
		return resp, nil
	}
	// A commit decision is final, so it is recorded before the proposal.
	if !st.accepted || st.acceptNum.Less(ballot) {
		st.accepted, st.acceptNum = true, ballot
	}
	st.acceptVal = Commit
	st.applying = true
	target := st.change
	p.mu.Unlock()

	result, err := p.ps.Consensus.ProposeChange(ctx, target)

	p.mu.Lock()
	defer p.mu.Unlock()
	st.applying = false
	if err != nil {
		// Lock and state stay; the coordinator or recovery retries the apply.
		if p.txns[req.ChangeID] == st {
			p.armLeaderFail(req.ChangeID, st)
		}
		p.logger.Warn("gpac.apply.propose_failed", svcfields.ChangeKey, req.ChangeID, "error", err)
		return resp, err
	}
	p.finish(req.ChangeID, outcome{decision: Commit, result: result})
	p.logger.Info("gpac.apply.done", svcfields.ChangeKey, req.ChangeID, "decision", Commit, "status", result.Status, "entry_id", result.EntryID)
	resp.Result = result.ToAPI()
	return resp, nil
}

// finish records the outcome and releases the lock. Callers hold p.mu.
func (p *participant) finish(changeID string, out outcome) {
	p.decided.Add(changeID, out)
	delete(p.txns, changeID)
	p.sched.Cancel(p.timerKey(changeID))
	p.ps.Lock.ReleaseChange(changeID)
}

// abandon drops an undecided transaction and its lock. State that accepted a
// value stays locked until a decision is applied.
func (p *participant) abandon(changeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.txns[changeID]
	if !ok || st.accepted || st.applying {
		return false
	}
	delete(p.txns, changeID)
	p.sched.Cancel(p.timerKey(changeID))
	return p.ps.Lock.Release(p.ticket(changeID)) == nil
}

// hold keeps the lock for a transaction whose decision v is known but not yet
// applied here, and leaves it to the leader-fail timer to finish.
func (p *participant) hold(changeID string, ballot Ballot, v Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.txns[changeID]
	if !ok {
		return false
	}
	if !st.accepted || st.acceptNum.Less(ballot) {
		st.accepted, st.acceptNum = true, ballot
	}
	st.acceptVal = v
	p.armLeaderFail(changeID, st)
	return true
}

// armLeaderFail (re)starts the timer after which this participant stops
// waiting for the coordinator. Callers hold p.mu.
func (p *participant) armLeaderFail(changeID string, st *txnState) {
	if st.recovering || p.leaderFailTimeout <= 0 {
		return
	}
	p.sched.Schedule(p.timerKey(changeID), p.leaderFailTimeout, func() {
		p.leaderFailed(changeID)
	})
}

func (p *participant) leaderFailed(changeID string) {
	p.mu.Lock()
	st, ok := p.txns[changeID]
	if !ok || st.recovering {
		p.mu.Unlock()
		return
	}
	st.recovering = true
	ch := st.change
	above := maxBallot(st.promised, st.acceptNum)
	p.mu.Unlock()

	logger := svcfields.WithChange(p.logger, "", changeID)
	logger.Warn("gpac.participant.leader_failed", "ballot", above.String())
	result := p.recover(p.baseCtx, ch, above)
	p.metrics.recordRecovery(p.baseCtx, result.Status)

	p.mu.Lock()
	if st, ok := p.txns[changeID]; ok {
		if st.accepted {
			// A value may be chosen elsewhere; keep the lock and try again.
			st.recovering = false
			p.armLeaderFail(changeID, st)
			val := st.acceptVal
			p.mu.Unlock()
			logger.Warn("gpac.participant.recovery_pending", "status", result.Status, "value", val)
			return
		}
		delete(p.txns, changeID)
		_ = p.ps.Lock.Release(p.ticket(changeID))
		result = change.Timeout(changeID, "coordinator failed and recovery did not reach a decision")
	}
	p.mu.Unlock()
	logger.Info("gpac.participant.recovered", "status", result.Status)
	if p.onRecovered != nil {
		p.onRecovered(ch, result)
	}
}

// inFlight counts undecided transactions on this participant.
func (p *participant) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txns)
}

func ptrBallot(b Ballot) *api.Ballot {
	out := b.ToAPI()
	return &out
}
