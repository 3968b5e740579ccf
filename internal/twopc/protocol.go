// Package twopc implements classical two-phase commit across peersets.
//
// The leader peerset locks its history and records the change as ACCEPTED,
// then asks every member of every other peerset to do the same. Only when
// every peerset accepted does the leader decide ACCEPTED; each peerset then
// appends the inner change on top of its ACCEPTED record. Otherwise every
// peerset appends an ABORTED marker.
//
// There is no leader re-election. A participant that accepted and never hears
// the decision stays locked and keeps asking the leader with capped backoff
// until the leader answers or an operator posts a decision.
package twopc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/clock"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/schedule"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/txlock"
	"pkt.systems/pslog"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultAcceptTimeout  = 5 * time.Second
	DefaultAskBaseDelay   = 200 * time.Millisecond
	DefaultAskMaxDelay    = 10 * time.Second
	leaderDecisionHistory = 4096
)

// Config configures a Protocol.
type Config struct {
	Self      string
	Peersets  *peerset.Registry
	Resolver  *peers.Resolver
	Transport Transport
	// AcceptTimeout bounds the accept and decision fan-outs.
	AcceptTimeout time.Duration
	// AskBaseDelay and AskMaxDelay shape decision polling by participants.
	AskBaseDelay time.Duration
	AskMaxDelay  time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Protocol is the 2PC endpoint of one node: leader for changes submitted
// here and participant for every local peerset.
type Protocol struct {
	self          string
	registry      *peerset.Registry
	resolver      *peers.Resolver
	transport     Transport
	acceptTimeout time.Duration
	askPolicy     backoff.Policy
	clock         clock.Clock
	sched         *schedule.Scheduler
	metrics       *twopcMetrics
	logger        pslog.Logger
	leaderLogger  pslog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	participants map[string]*participant

	mu        sync.Mutex
	inflight  map[string]change.TwoPC
	decisions *lru.Cache
}

type leaderDecision struct {
	status   change.TwoPCStatus
	accepted change.TwoPC
}

// New builds a Protocol.
func New(cfg Config) (*Protocol, error) {
	if cfg.Self == "" {
		return nil, errors.New("twopc: self peer id required")
	}
	if cfg.Peersets == nil || cfg.Resolver == nil {
		return nil, errors.New("twopc: peersets and resolver required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("twopc: transport required")
	}
	acceptTimeout := cfg.AcceptTimeout
	if acceptTimeout <= 0 {
		acceptTimeout = DefaultAcceptTimeout
	}
	askBase := cfg.AskBaseDelay
	if askBase <= 0 {
		askBase = DefaultAskBaseDelay
	}
	askMax := cfg.AskMaxDelay
	if askMax <= 0 {
		askMax = DefaultAskMaxDelay
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	decisions, err := lru.New(leaderDecisionHistory)
	if err != nil {
		return nil, fmt.Errorf("twopc: decision cache: %w", err)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		self:          cfg.Self,
		registry:      cfg.Peersets,
		resolver:      cfg.Resolver,
		acceptTimeout: acceptTimeout,
		askPolicy: backoff.Policy{
			MaxAttempts: math.MaxInt32,
			BaseDelay:   askBase,
			MaxDelay:    askMax,
			Multiplier:  2,
			Jitter:      0.1,
		},
		clock:        clk,
		sched:        schedule.New(clk),
		metrics:      newTwoPCMetrics(logger),
		logger:       logger,
		leaderLogger: svcfields.WithSubsystem(logger, "txn.twopc.leader"),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		participants: make(map[string]*participant),
		inflight:     make(map[string]change.TwoPC),
		decisions:    decisions,
	}
	p.transport = localTransport{self: cfg.Self, node: p, remote: cfg.Transport}
	for _, id := range cfg.Peersets.IDs() {
		ps, _ := cfg.Peersets.Get(id)
		part, err := newParticipant(ps, p)
		if err != nil {
			cancel()
			return nil, err
		}
		p.participants[id] = part
	}
	return p, nil
}

// leaderPeerset picks the first peerset of ch this node is a member of.
func (p *Protocol) leaderPeerset(ch change.Standard) (*peerset.Context, error) {
	for _, ps := range ch.Parents {
		if local, ok := p.registry.Get(ps.ID); ok {
			return local, nil
		}
	}
	f := failure.New(failure.CodeNotLeader, "node %s is not a member of any peerset of change %s", p.self, ch.ChangeID)
	if members, ok := p.resolver.Members(ch.Parents[0].ID); ok && len(members) > 0 {
		f.Leader = members[0].ID
	}
	return nil, f
}

// Submit runs 2PC for ch with this node as leader. Lock contention on the
// leader peerset is returned as an already_locked failure so callers can
// retry; every other outcome is a result.
func (p *Protocol) Submit(ctx context.Context, ch change.Change) (change.Result, error) {
	inner, ok := ch.(change.Standard)
	if !ok {
		return change.Result{}, failure.New(failure.CodeInvalidBody, "2pc commits standard changes only")
	}
	for _, ps := range inner.Parents {
		if !p.resolver.HasPeerset(ps.ID) {
			return change.Result{}, failure.UnknownPeerset(ps.ID)
		}
	}
	leader, err := p.leaderPeerset(inner)
	if err != nil {
		return change.Result{}, err
	}
	start := p.clock.Now()
	logger := svcfields.WithChange(p.leaderLogger, leader.ID, inner.ChangeID)
	ticket := txlock.Acquisition{Protocol: txlock.ProtocolTwoPC, ChangeID: inner.ChangeID}
	if err := leader.Lock.Acquire(ticket); err != nil {
		var locked *txlock.AlreadyLockedError
		if errors.As(err, &locked) {
			return change.Result{}, locked.Failure()
		}
		return change.Result{}, err
	}
	defer leader.Lock.ReleaseChange(inner.ChangeID)

	accepted := change.AcceptedTwoPC(inner, leader.ID)
	res, err := leader.Consensus.ProposeChange(ctx, accepted)
	if err != nil {
		return change.Result{}, err
	}
	if !res.OK() {
		logger.Info("twopc.leader.conflict", "head", res.EntryID)
		res.ChangeID = inner.ChangeID
		return res, nil
	}
	acceptedEntry := res.EntryID
	p.mu.Lock()
	p.inflight[inner.ChangeID] = accepted
	p.mu.Unlock()
	logger.Debug("twopc.leader.accepted", "entry_id", acceptedEntry)

	refusals := p.collectAccepts(ctx, accepted, leader.ID)
	decision := change.TwoPCAccepted
	if len(refusals) > 0 {
		decision = change.TwoPCAborted
	}
	p.mu.Lock()
	delete(p.inflight, inner.ChangeID)
	p.decisions.Add(inner.ChangeID, leaderDecision{status: decision, accepted: accepted})
	p.mu.Unlock()
	logger.Info("twopc.leader.decided", "decision", decision, "refusals", len(refusals))

	var result change.Result
	if decision == change.TwoPCAccepted {
		committed := change.WithParent(inner, leader.ID, acceptedEntry)
		result, err = leader.Consensus.ProposeChange(ctx, committed)
	} else {
		result, err = appendAbortMarker(ctx, leader, accepted)
		result.Detail = abortDetail(refusals)
	}
	if err != nil {
		// The decision stands; participants learn it from ask.
		logger.Warn("twopc.leader.apply_failed", "decision", decision, "error", err)
		result = change.Timeout(inner.ChangeID, fmt.Sprintf("decision %s recorded but not applied on %s: %v", decision, leader.ID, err))
	}
	result.ChangeID = inner.ChangeID

	p.broadcastDecision(ctx, accepted, decision, leader.ID, logger)
	p.metrics.recordTransaction(ctx, result.Status, p.clock.Now().Sub(start))
	return result, nil
}

// collectAccepts sends accept to every member of every non-leader peerset
// and returns the peersets that did not accept, with a reason each.
func (p *Protocol) collectAccepts(ctx context.Context, accepted change.TwoPC, leaderPeerset string) map[string]string {
	type vote struct {
		peerset string
		resp    api.AcceptResponse
		err     error
	}
	var targets [][2]string
	for _, ps := range accepted.Parents {
		if ps.ID == leaderPeerset {
			continue
		}
		members, _ := p.resolver.Members(ps.ID)
		for _, m := range members {
			targets = append(targets, [2]string{ps.ID, m.ID})
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.acceptTimeout)
	defer cancel()
	votes := make([]vote, len(targets))
	var g errgroup.Group
	wire := accepted.ToAPI()
	for i, tg := range targets {
		g.Go(func() error {
			resp, err := p.transport.Accept(ctx, tg[1], api.AcceptRequest{
				ChangeID:     accepted.ChangeID,
				PeersetID:    tg[0],
				LeaderPeerID: p.self,
				Change:       wire,
			})
			votes[i] = vote{peerset: tg[0], resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	ackd := make(map[string]bool)
	reasons := make(map[string]string)
	for _, v := range votes {
		switch {
		case v.err != nil:
			reasons[v.peerset] = v.err.Error()
			p.metrics.recordRefusal(ctx, v.peerset, "unreachable")
		case v.resp.Accepted:
			ackd[v.peerset] = true
		default:
			reasons[v.peerset] = v.resp.Detail
			p.metrics.recordRefusal(ctx, v.peerset, "refused")
		}
	}
	refusals := make(map[string]string)
	for _, ps := range accepted.Parents {
		if ps.ID == leaderPeerset || ackd[ps.ID] {
			continue
		}
		reason := reasons[ps.ID]
		if reason == "" {
			reason = "no answer"
		}
		refusals[ps.ID] = reason
	}
	return refusals
}

func (p *Protocol) broadcastDecision(ctx context.Context, accepted change.TwoPC, decision change.TwoPCStatus, leaderPeerset string, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, p.acceptTimeout)
	defer cancel()
	wire := accepted.ToAPI()
	var g errgroup.Group
	for _, ps := range accepted.Parents {
		if ps.ID == leaderPeerset {
			continue
		}
		members, _ := p.resolver.Members(ps.ID)
		for _, m := range members {
			g.Go(func() error {
				_, err := p.transport.Decision(ctx, m.ID, api.DecisionRequest{
					ChangeID:  accepted.ChangeID,
					PeersetID: ps.ID,
					Decision:  string(decision),
					Change:    wire,
				})
				if err != nil {
					logger.Debug("twopc.decision.undelivered", svcfields.PeerKey, m.ID, svcfields.PeersetKey, ps.ID, "error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

func abortDetail(refusals map[string]string) string {
	if len(refusals) == 0 {
		return "transaction aborted"
	}
	ids := make([]string, 0, len(refusals))
	for id := range refusals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, refusals[id]))
	}
	return "peersets did not accept: " + strings.Join(parts, "; ")
}

// HandleAccept serves an accept request for a local peerset.
func (p *Protocol) HandleAccept(ctx context.Context, req api.AcceptRequest) (api.AcceptResponse, error) {
	part, accepted, err := p.participantFor(req.PeersetID, req.ChangeID, req.Change)
	if err != nil {
		return api.AcceptResponse{}, err
	}
	if accepted.Status != change.TwoPCAccepted {
		return api.AcceptResponse{}, failure.New(failure.CodeInvalidBody, "accept carries status %q", accepted.Status)
	}
	if req.LeaderPeerID == "" {
		return api.AcceptResponse{}, failure.MissingParameter("leader_peer_id")
	}
	return part.accept(ctx, req, accepted)
}

// HandleDecision applies a decision from the leader or an operator. The
// change may be omitted when the participant already knows the transaction.
func (p *Protocol) HandleDecision(ctx context.Context, req api.DecisionRequest) (api.DecisionResponse, error) {
	if req.ChangeID == "" {
		return api.DecisionResponse{}, failure.MissingParameter("change_id")
	}
	part, ok := p.participants[req.PeersetID]
	if !ok {
		return api.DecisionResponse{}, failure.UnknownPeerset(req.PeersetID)
	}
	var accepted *change.TwoPC
	if req.Change.Type != "" {
		_, ch, err := p.participantFor(req.PeersetID, req.ChangeID, req.Change)
		if err != nil {
			return api.DecisionResponse{}, err
		}
		accepted = &ch
	}
	decision := change.TwoPCStatus(strings.ToLower(strings.TrimSpace(req.Decision)))
	res, err := part.decide(ctx, req.ChangeID, decision, accepted, "push")
	if err != nil {
		return api.DecisionResponse{}, err
	}
	return api.DecisionResponse{ChangeID: req.ChangeID, PeersetID: req.PeersetID, Result: res.ToAPI()}, nil
}

// HandleAsk reports the decision this node reached as leader.
func (p *Protocol) HandleAsk(_ context.Context, changeID string) (api.AskResponse, error) {
	if changeID == "" {
		return api.AskResponse{}, failure.MissingParameter("change_id")
	}
	resp := api.AskResponse{ChangeID: changeID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.decisions.Get(changeID); ok {
		d := v.(leaderDecision)
		wire := d.accepted.ToAPI()
		resp.Decided = true
		resp.Decision = string(d.status)
		resp.Change = &wire
		return resp, nil
	}
	if accepted, ok := p.inflight[changeID]; ok {
		wire := accepted.ToAPI()
		resp.Change = &wire
		return resp, nil
	}
	return resp, failure.New(failure.CodeUnknownChange, "no 2pc transaction %s led by %s", changeID, p.self)
}

func (p *Protocol) participantFor(peersetID, changeID string, wire api.Change) (*participant, change.TwoPC, error) {
	if changeID == "" {
		return nil, change.TwoPC{}, failure.MissingParameter("change_id")
	}
	part, ok := p.participants[peersetID]
	if !ok {
		return nil, change.TwoPC{}, failure.UnknownPeerset(peersetID)
	}
	ch, err := change.FromAPI(wire)
	if err != nil {
		return nil, change.TwoPC{}, err
	}
	accepted, ok := ch.(change.TwoPC)
	if !ok {
		return nil, change.TwoPC{}, failure.New(failure.CodeInvalidBody, "2pc messages carry two_pc changes")
	}
	if accepted.ChangeID != changeID {
		return nil, change.TwoPC{}, failure.New(failure.CodeInvalidBody, "change id %q does not match %q", accepted.ChangeID, changeID)
	}
	if !change.Involves(accepted, peersetID) {
		return nil, change.TwoPC{}, failure.New(failure.CodeInvalidBody, "change %s does not touch peerset %s", changeID, peersetID)
	}
	return part, accepted, nil
}

// Pending lists undecided transactions of a local peerset that hold its
// lock. Refused accepts are left out.
func (p *Protocol) Pending(peersetID string) ([]string, error) {
	part, ok := p.participants[peersetID]
	if !ok {
		return nil, failure.UnknownPeerset(peersetID)
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	out := make([]string, 0, len(part.txns))
	for id, st := range part.txns {
		if st.refused {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops decision polling.
func (p *Protocol) Close() {
	p.cancelBase()
	p.sched.Close()
}
