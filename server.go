package peersetd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/pslog"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/clock"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/consensus/direct"
	"pkt.systems/peersetd/internal/consensus/raftpeerset"
	"pkt.systems/peersetd/internal/core"
	"pkt.systems/peersetd/internal/gpac"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/history/boltstore"
	"pkt.systems/peersetd/internal/httpapi"
	"pkt.systems/peersetd/internal/notify"
	"pkt.systems/peersetd/internal/peerclient"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/peerset"
	"pkt.systems/peersetd/internal/results"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/twopc"
)

// Server wires the peerset contexts, commit protocols and HTTP API of one node.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	resolver  *peers.Resolver
	registry  *peerset.Registry
	gpac      *gpac.Protocol
	twopc     *twopc.Protocol
	service   *core.Service
	notifier  *notify.Notifier
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle

	watchCancel context.CancelFunc
	watchDone   sync.WaitGroup

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithHTTPClient overrides the client used for peer RPCs and notifications.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// NewServer constructs a peersetd node according to cfg.
//
//	cfg := peersetd.Config{SelfID: "n0", TopologyFile: "/etc/peersetd/config.yaml"}
//	srv, err := peersetd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	resolver, err := peers.NewResolver(cfg.SelfID, cfg.Topology)
	if err != nil {
		return nil, err
	}
	httpClient := o.HTTPClient
	if httpClient == nil {
		if httpClient, err = peerclient.NewHTTPClient(); err != nil {
			return nil, err
		}
	}
	client, err := peerclient.New(peerclient.Config{
		Resolver:      resolver,
		HTTPClient:    httpClient,
		Timeout:       cfg.PeerTimeout,
		SubmitTimeout: cfg.ForwardTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server"),
		resolver: resolver,
		readyCh:  make(chan struct{}),
	}
	cleanup := func() {
		if s.telemetry != nil {
			_ = s.telemetry.Shutdown(context.Background())
		}
		if s.registry != nil {
			_ = s.registry.Close()
		}
	}

	var collectors []prometheus.Collector
	contexts := make([]*peerset.Context, 0)
	for _, psID := range resolver.PeersetsOf(cfg.SelfID) {
		adapter, collector, err := s.openAdapter(psID, client, logger)
		if collector != nil {
			collectors = append(collectors, collector)
		}
		if err != nil {
			for _, c := range contexts {
				_ = c.Consensus.Close()
			}
			return nil, fmt.Errorf("peerset %s: %w", psID, err)
		}
		contexts = append(contexts, peerset.New(adapter))
	}
	s.registry, err = peerset.NewRegistry(contexts...)
	if err != nil {
		for _, c := range contexts {
			_ = c.Consensus.Close()
		}
		return nil, err
	}

	s.telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:     cfg.OTLPEndpoint,
		MetricsListen:    cfg.MetricsListen,
		PprofListen:      cfg.PprofListen,
		ProfilingMetrics: cfg.EnableProfilingMetrics,
		InstanceID:       cfg.SelfID,
		Collectors:       collectors,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		cleanup()
		return nil, err
	}

	quorum, _ := gpac.ParseQuorumMode(cfg.Quorum)
	leaderFail := cfg.GPACLeaderFailTimeout
	if cfg.GPACDisableRecovery {
		leaderFail = -1
	}
	s.gpac, err = gpac.New(gpac.Config{
		Self:              cfg.SelfID,
		Peersets:          s.registry,
		Resolver:          resolver,
		Transport:         gpac.HTTPTransport{Client: client},
		Quorum:            quorum,
		Retry:             cfg.RetryPolicy(),
		PhaseTimeout:      cfg.GPACPhaseTimeout,
		LeaderFailTimeout: leaderFail,
		Clock:             serverClock,
		OnRecovered: func(ch change.Change, res change.Result) {
			if s.service != nil {
				s.service.Recovered(ch, res)
			}
		},
		Logger: logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	s.twopc, err = twopc.New(twopc.Config{
		Self:          cfg.SelfID,
		Peersets:      s.registry,
		Resolver:      resolver,
		Transport:     twopc.HTTPTransport{Client: client},
		AcceptTimeout: cfg.TwoPCAcceptTimeout,
		AskBaseDelay:  cfg.TwoPCAskBaseDelay,
		AskMaxDelay:   cfg.TwoPCAskMaxDelay,
		Clock:         serverClock,
		Logger:        logger,
	})
	if err != nil {
		s.gpac.Close()
		cleanup()
		return nil, err
	}
	store, err := results.New(cfg.ResultCacheSize)
	if err != nil {
		s.gpac.Close()
		s.twopc.Close()
		cleanup()
		return nil, err
	}
	s.notifier = notify.New(notify.Config{
		HTTPClient:  httpClient,
		Timeout:     cfg.NotifyTimeout,
		Concurrency: cfg.NotifyConcurrency,
		Logger:      logger,
	})
	s.service, err = core.New(core.Config{
		Self:            cfg.SelfID,
		Peersets:        s.registry,
		Resolver:        resolver,
		Forwarder:       client,
		GPAC:            s.gpac,
		TwoPC:           s.twopc,
		DefaultProtocol: cfg.CommitProtocol,
		Results:         store,
		Notifier:        s.notifier,
		LockRetry:       cfg.LockRetryPolicy(),
		Clock:           serverClock,
		Logger:          logger,
	})
	if err != nil {
		s.gpac.Close()
		s.twopc.Close()
		cleanup()
		return nil, err
	}

	handler := httpapi.New(httpapi.Config{
		Service:            s.service,
		GPAC:               s.gpac,
		TwoPC:              s.twopc,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		SyncTimeout:        cfg.SyncTimeout,
		HTTPTracingEnabled: cfg.OTLPEndpoint != "",
		Logger:             logger,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	s.logger.Info("server.configured",
		"self", cfg.SelfID,
		"peersets", s.registry.IDs(),
		"consensus", cfg.Consensus,
		"history_store", cfg.HistoryStore,
		"commit_protocol", cfg.CommitProtocol,
		"quorum", cfg.Quorum,
	)
	return s, nil
}

// openAdapter builds the configured history and consensus adapter for psID.
// A bolt history is returned as a collector for the metrics endpoint.
func (s *Server) openAdapter(psID string, forwarder consensus.Forwarder, logger pslog.Logger) (consensus.Adapter, prometheus.Collector, error) {
	var (
		h         history.History
		collector prometheus.Collector
	)
	switch s.cfg.HistoryStore {
	case HistoryBolt:
		dir := filepath.Join(s.cfg.DataDir, "history")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create history dir: %w", err)
		}
		store, err := boltstore.Open(filepath.Join(dir, psID+".db"), psID)
		if err != nil {
			return nil, nil, err
		}
		h, collector = store, store
	default:
		h = history.NewMemory()
	}
	switch s.cfg.Consensus {
	case ConsensusRaft:
		members, err := s.raftMembers(psID)
		if err != nil {
			return nil, nil, closeHistory(h, err)
		}
		dataDir := ""
		if s.cfg.DataDir != "" {
			dataDir = filepath.Join(s.cfg.DataDir, "raft", psID)
		}
		adapter, err := raftpeerset.New(raftpeerset.Config{
			PeersetID:        psID,
			PeerID:           s.cfg.SelfID,
			Members:          members,
			DataDir:          dataDir,
			History:          h,
			Forwarder:        forwarder,
			ApplyTimeout:     s.cfg.RaftApplyTimeout,
			HeartbeatTimeout: s.cfg.RaftHeartbeatTimeout,
			ElectionTimeout:  s.cfg.RaftElectionTimeout,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, closeHistory(h, err)
		}
		return adapter, collector, nil
	default:
		adapter, err := direct.New(direct.Config{
			PeersetID: psID,
			PeerID:    s.cfg.SelfID,
			History:   h,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, closeHistory(h, err)
		}
		return adapter, collector, nil
	}
}

// raftMembers maps the members of psID onto per-peerset raft addresses. The
// ordinal of a peerset is its position in the topology.
func (s *Server) raftMembers(psID string) ([]raftpeerset.Member, error) {
	topo := s.resolver.Topology()
	ordinal := -1
	for i, ps := range topo.Peersets {
		if ps.ID == psID {
			ordinal = i
			break
		}
	}
	members, ok := s.resolver.Members(psID)
	if !ok || ordinal < 0 {
		return nil, fmt.Errorf("unknown peerset %q", psID)
	}
	out := make([]raftpeerset.Member, 0, len(members))
	for _, p := range members {
		addr, err := raftpeerset.RaftAddress(p.RaftAddress, ordinal)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.ID, err)
		}
		out = append(out, raftpeerset.Member{PeerID: p.ID, Address: addr})
	}
	return out, nil
}

func closeHistory(h history.History, cause error) error {
	if closer, ok := h.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return cause
}

// Handler returns the HTTP handler so a node can be mounted inside another mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the change service for embedding programs.
func (s *Server) Service() *core.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve serves requests on ln and blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.startTopologyWatch()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startTopologyWatch() {
	if s.cfg.TopologyFile == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()
	s.watchDone.Add(1)
	go func() {
		defer s.watchDone.Done()
		if err := peers.Watch(ctx, s.cfg.TopologyFile, s.resolver, svcfields.WithSubsystem(s.logger, "topology")); err != nil {
			s.logger.Warn("topology.watch.error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests, waits for in-flight changes and releases
// every peerset. The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	watchCancel := s.watchCancel
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if watchCancel != nil {
		watchCancel()
	}
	s.watchDone.Wait()
	if err := s.service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("change service: %w", err))
	}
	s.gpac.Close()
	s.twopc.Close()
	if err := s.notifier.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error the HTTP server stopped with.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns a stop function.
// When ctx ends the server is stopped as well.
//
//	srv, stop, err := peersetd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
