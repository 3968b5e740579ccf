// Package gpac implements the three-phase, ballot-based atomic commitment
// protocol that commits a change across several peersets.
//
// Any node may coordinate. A coordinator picks a ballot above every ballot it
// has seen and runs Elect, Agree and Apply against every member of every
// involved peerset. Each phase needs a quorum per peerset. A failed phase or a
// ballot rejection restarts from Elect with a higher ballot after backoff.
//
// Participants live per local peerset. A participant that promised a ballot
// and then hears nothing for LeaderFailTimeout becomes a coordinator itself
// and drives the transaction to the decision a quorum already accepted, or to
// a fresh one.
package gpac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/clock"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/schedule"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultPhaseTimeout      = 2 * time.Second
	DefaultLeaderFailTimeout = 10 * time.Second
)

// Config configures a Protocol.
type Config struct {
	// Self is the local peer id.
	Self string
	// Peersets holds the peersets this node is a member of.
	Peersets *peerset.Registry
	// Resolver supplies the members of every peerset.
	Resolver *peers.Resolver
	// Transport reaches remote participants. Messages to Self never use it.
	Transport Transport
	Quorum    QuorumMode
	Retry     backoff.Policy
	// PhaseTimeout bounds each phase of a ballot.
	PhaseTimeout time.Duration
	// LeaderFailTimeout is how long a participant waits on a silent
	// coordinator before recovering the transaction. Negative disables it.
	LeaderFailTimeout time.Duration
	Clock             clock.Clock
	// OnRecovered receives results of transactions this node recovered.
	OnRecovered func(change.Change, change.Result)
	Logger      pslog.Logger
}

// Protocol is the GPAC endpoint of one node: the coordinator and one
// participant per local peerset.
type Protocol struct {
	self              string
	resolver          *peers.Resolver
	transport         Transport
	quorum            QuorumMode
	retry             backoff.Policy
	phaseTimeout      time.Duration
	leaderFailTimeout time.Duration
	clock             clock.Clock
	sched             *schedule.Scheduler
	onRecovered       func(change.Change, change.Result)
	ballots           *ballotSource
	metrics           *gpacMetrics
	logger            pslog.Logger
	coordLogger       pslog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	participants map[string]*participant
}

// New builds a Protocol.
func New(cfg Config) (*Protocol, error) {
	if cfg.Self == "" {
		return nil, errors.New("gpac: self peer id required")
	}
	if cfg.Peersets == nil || cfg.Resolver == nil {
		return nil, errors.New("gpac: peersets and resolver required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("gpac: transport required")
	}
	quorum := cfg.Quorum
	if quorum == "" {
		quorum = QuorumOne
	}
	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = DefaultPhaseTimeout
	}
	leaderFail := cfg.LeaderFailTimeout
	if leaderFail == 0 {
		leaderFail = DefaultLeaderFailTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		self:              cfg.Self,
		resolver:          cfg.Resolver,
		quorum:            quorum,
		retry:             cfg.Retry.WithDefaults(),
		phaseTimeout:      phaseTimeout,
		leaderFailTimeout: leaderFail,
		clock:             clk,
		sched:             schedule.New(clk),
		onRecovered:       cfg.OnRecovered,
		ballots:           &ballotSource{self: cfg.Self},
		metrics:           newGPACMetrics(logger),
		logger:            logger,
		coordLogger:       svcfields.WithSubsystem(logger, "txn.gpac.coordinator"),
		baseCtx:           baseCtx,
		cancelBase:        cancel,
		participants:      make(map[string]*participant),
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

// Submit coordinates ch to a terminal result. Errors are reserved for
// invalid input; protocol failures end in a TIMEOUT result.
func (p *Protocol) Submit(ctx context.Context, ch change.Change) (change.Result, error) {
	if _, ok := ch.(change.Standard); !ok {
		return change.Result{}, failure.New(failure.CodeInvalidBody, "gpac commits standard changes only")
	}
	return p.run(ctx, ch, Ballot{}, false)
}

func (p *Protocol) recoverTransaction(ctx context.Context, ch change.Change, above Ballot) change.Result {
	res, err := p.run(ctx, ch, above, true)
	if err != nil {
		return change.Timeout(ch.ID(), err.Error())
	}
	return res
}

func (p *Protocol) abandonLocal(ch change.Change) {
	for _, ps := range ch.Peersets() {
		if part, ok := p.participants[ps.ID]; ok {
			if part.abandon(ch.ID()) {
				p.coordLogger.Debug("gpac.participant.abandoned", svcfields.PeersetKey, ps.ID, svcfields.ChangeKey, ch.ID())
			}
		}
	}
}

func (p *Protocol) holdLocal(ch change.Change, ballot Ballot, v Value) {
	for _, ps := range ch.Peersets() {
		if part, ok := p.participants[ps.ID]; ok {
			if part.hold(ch.ID(), ballot, v) {
				p.coordLogger.Info("gpac.participant.held", svcfields.PeersetKey, ps.ID, svcfields.ChangeKey, ch.ID(), "value", v)
			}
		}
	}
}

func (p *Protocol) participantFor(peersetID string, wire api.Change, changeID string) (*participant, change.Change, error) {
	if changeID == "" {
		return nil, nil, failure.MissingParameter("change_id")
	}
	part, ok := p.participants[peersetID]
	if !ok {
		return nil, nil, failure.UnknownPeerset(peersetID)
	}
	ch, err := change.FromAPI(wire)
	if err != nil {
		return nil, nil, err
	}
	if ch.ID() != changeID {
		return nil, nil, failure.New(failure.CodeInvalidBody, "change id %q does not match %q", ch.ID(), changeID)
	}
	if !change.Involves(ch, peersetID) {
		return nil, nil, failure.New(failure.CodeInvalidBody, "change %s does not touch peerset %s", changeID, peersetID)
	}
	return part, ch, nil
}

// HandleElect answers ElectMe for a local peerset.
func (p *Protocol) HandleElect(ctx context.Context, req api.ElectMeRequest) (api.ElectedYouResponse, error) {
	part, ch, err := p.participantFor(req.PeersetID, req.Change, req.ChangeID)
	if err != nil {
		return api.ElectedYouResponse{}, err
	}
	return part.elect(ctx, req, ch)
}

// HandleAgree answers Agree for a local peerset.
func (p *Protocol) HandleAgree(ctx context.Context, req api.AgreeRequest) (api.AgreedResponse, error) {
	part, ch, err := p.participantFor(req.PeersetID, req.Change, req.ChangeID)
	if err != nil {
		return api.AgreedResponse{}, err
	}
	val, ok := parseValue(req.Value)
	if !ok {
		return api.AgreedResponse{}, failure.New(failure.CodeInvalidBody, "unknown value %q", req.Value)
	}
	return part.agree(ctx, req, ch, val)
}

// HandleApply applies a decision on a local peerset.
func (p *Protocol) HandleApply(ctx context.Context, req api.ApplyRequest) (api.ApplyResponse, error) {
	part, ch, err := p.participantFor(req.PeersetID, req.Change, req.ChangeID)
	if err != nil {
		return api.ApplyResponse{}, err
	}
	decision, ok := parseValue(req.Decision)
	if !ok {
		return api.ApplyResponse{}, failure.New(failure.CodeInvalidBody, "unknown decision %q", req.Decision)
	}
	return part.apply(ctx, req, ch, decision)
}

// InFlight returns the number of undecided transactions on peerset.
func (p *Protocol) InFlight(peersetID string) (int, error) {
	part, ok := p.participants[peersetID]
	if !ok {
		return 0, fmt.Errorf("gpac: %w", failure.UnknownPeerset(peersetID))
	}
	return part.inFlight(), nil
}

// Close stops recovery timers and waits for running recoveries to return.
func (p *Protocol) Close() {
	p.cancelBase()
	p.sched.Close()
}
