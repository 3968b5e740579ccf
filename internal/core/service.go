// Package core is the transport-agnostic change service. It validates client
// changes, routes single-peerset changes to local consensus and
// multi-peerset changes to GPAC or 2PC, and delivers terminal results to
// waiters, the result store and notification URLs.
package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/clock"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/correlation"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/ids"
	"pkt.systems/peersetd/internal/notify"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/results"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

// Committer runs a multi-peerset commit protocol to a terminal result.
type Committer interface {
	Submit(ctx context.Context, ch change.Change) (change.Result, error)
}

// Forwarder reaches other nodes for changes this node cannot run itself.
type Forwarder interface {
	consensus.Forwarder
	ForwardSubmit(ctx context.Context, peer, protocol string, ch change.Change) (change.Result, error)
}

// Config wires a Service.
type Config struct {
	Self      string
	Peersets  *peerset.Registry
	Resolver  *peers.Resolver
	Forwarder Forwarder
	GPAC      Committer
	TwoPC     Committer
	// DefaultProtocol commits multi-peerset changes that name none.
	DefaultProtocol string
	Results         *results.Store
	Notifier        *notify.Notifier
	// LockRetry paces retries while a peerset lock is held by another
	// transaction.
	LockRetry backoff.Policy
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Service dispatches client changes.
type Service struct {
	self            string
	registry        *peerset.Registry
	resolver        *peers.Resolver
	forwarder       Forwarder
	gpac            Committer
	twopc           Committer
	defaultProtocol string
	results         *results.Store
	notifier        *notify.Notifier
	lockRetry       backoff.Policy
	clock           clock.Clock
	metrics         *changeMetrics
	logger          pslog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	async      sync.WaitGroup
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Self == "" {
		return nil, errors.New("core: self peer id required")
	}
	if cfg.Peersets == nil || cfg.Resolver == nil {
		return nil, errors.New("core: peersets and resolver required")
	}
	if cfg.GPAC == nil || cfg.TwoPC == nil {
		return nil, errors.New("core: gpac and 2pc committers required")
	}
	proto, err := NormalizeProtocol(cfg.DefaultProtocol)
	if err != nil {
		return nil, err
	}
	if proto == "" {
		proto = api.ProtocolGPAC
	}
	store := cfg.Results
	if store == nil {
		if store, err = results.New(0); err != nil {
			return nil, err
		}
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
	return &Service{
		self:            cfg.Self,
		registry:        cfg.Peersets,
		resolver:        cfg.Resolver,
		forwarder:       cfg.Forwarder,
		gpac:            cfg.GPAC,
		twopc:           cfg.TwoPC,
		defaultProtocol: proto,
		results:         store,
		notifier:        cfg.Notifier,
		lockRetry:       cfg.LockRetry.WithDefaults(),
		clock:           clk,
		metrics:         newChangeMetrics(logger),
		logger:          svcfields.WithSubsystem(logger, "change.service"),
		baseCtx:         baseCtx,
		cancelBase:      cancel,
	}, nil
}

// NormalizeProtocol canonicalizes a protocol selector. Empty stays empty.
func NormalizeProtocol(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case api.ProtocolGPAC:
		return api.ProtocolGPAC, nil
	case api.ProtocolTwoPC, "2pc", "twopc":
		return api.ProtocolTwoPC, nil
	default:
		return "", failure.New(failure.CodeInvalidBody, "unknown commit protocol %q", raw)
	}
}

// Prepare validates a client change and assigns an id when it has none.
func (s *Service) Prepare(ch change.Change) (change.Standard, error) {
	std, ok := ch.(change.Standard)
	if !ok {
		return change.Standard{}, failure.New(failure.CodeInvalidBody, "clients submit standard changes only")
	}
	if strings.TrimSpace(std.ChangeID) == "" {
		std.ChangeID = change.NewID()
	}
	for _, ps := range std.Parents {
		if !s.resolver.HasPeerset(ps.ID) {
			return change.Standard{}, failure.UnknownPeerset(ps.ID)
		}
	}
	return std, nil
}

// Submit runs ch to a terminal result. Errors are reserved for invalid
// input; every protocol outcome is a result.
func (s *Service) Submit(ctx context.Context, ch change.Change, protocol string) (change.Result, error) {
	std, proto, err := s.begin(ch, protocol)
	if err != nil {
		return change.Result{}, err
	}
	return s.run(ctx, std, proto), nil
}

// SubmitAsync starts ch in the background and returns its id. The result
// is available through Result once terminal.
func (s *Service) SubmitAsync(ctx context.Context, ch change.Change, protocol string) (string, error) {
	std, proto, err := s.begin(ch, protocol)
	if err != nil {
		return "", err
	}
	runCtx := correlation.Set(s.baseCtx, correlation.ID(ctx))
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		runCtx = pslog.ContextWithLogger(runCtx, logger)
	}
	s.async.Add(1)
	go func() {
		defer s.async.Done()
		s.run(runCtx, std, proto)
	}()
	return std.ChangeID, nil
}

func (s *Service) begin(ch change.Change, protocol string) (change.Standard, string, error) {
	std, err := s.Prepare(ch)
	if err != nil {
		return change.Standard{}, "", err
	}
	proto, err := NormalizeProtocol(protocol)
	if err != nil {
		return change.Standard{}, "", err
	}
	if proto == "" {
		proto = s.defaultProtocol
	}
	if err := s.results.Begin(std.ChangeID); err != nil {
		if errors.Is(err, results.ErrInFlight) {
			return change.Standard{}, "", failure.New(failure.CodeConflict, "change %s is already in flight", std.ChangeID)
		}
		return change.Standard{}, "", err
	}
	return std, proto, nil
}

func (s *Service) run(ctx context.Context, ch change.Standard, proto string) change.Result {
	start := s.clock.Now()
	logger := s.requestLogger(ctx).With(svcfields.ChangeKey, ch.ChangeID)
	route := routeSingle
	if len(ch.Parents) > 1 {
		route = proto
	}
	logger.Debug("change.submit.start", "route", route, "peersets", len(ch.Parents))

	var (
		res change.Result
		err error
	)
	if len(ch.Parents) == 1 {
		res, err = s.single(ctx, ch)
	} else {
		res, err = s.multi(ctx, ch, proto)
	}
	if err != nil {
		res = s.classify(ch.ChangeID, err, logger)
	}
	res.ChangeID = ch.ChangeID
	s.metrics.recordChange(ctx, route, res.Status, s.clock.Now().Sub(start))
	logger.Info("change.submit.done", "route", route, "status", res.Status, "entry_id", res.EntryID)
	s.finish(ch, res)
	return res
}

// classify turns a protocol error into a terminal result.
func (s *Service) classify(changeID string, cause error, logger pslog.Logger) change.Result {
	res, err := change.ResultFromError(changeID, cause)
	if err == nil {
		return res
	}
	logger.Warn("change.submit.error", "error", err)
	return change.Timeout(changeID, err.Error())
}

func (s *Service) finish(ch change.Change, res change.Result) {
	s.results.Complete(res)
	s.notifier.Notify(ch.NotificationURL(), res)
}

// Recovered delivers a result this node reached while recovering a
// transaction another coordinator abandoned.
func (s *Service) Recovered(ch change.Change, res change.Result) {
	fields := []any{svcfields.ChangeKey, ch.ID(), "status", res.Status}
	if minted, ok := ids.ChangeTime(ch.ID()); ok {
		fields = append(fields, "age", s.clock.Now().Sub(minted).Round(time.Millisecond).String())
	}
	s.logger.Info("change.recovered", fields...)
	s.finish(ch, res)
}

// Result returns the result of changeID. pending is true while it runs.
func (s *Service) Result(changeID string) (change.Result, bool, error) {
	return s.results.Lookup(changeID)
}

// Wait blocks until changeID completes.
func (s *Service) Wait(ctx context.Context, changeID string) (change.Result, error) {
	return s.results.Wait(ctx, changeID)
}

func (s *Service) requestLogger(ctx context.Context) pslog.Logger {
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = svcfields.WithSubsystem(ctxLogger, "change.service")
	}
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	return logger
}

// Close cancels background changes and waits for them up to ctx.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}
