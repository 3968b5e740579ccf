// Package raftpeerset replicates a peerset history with hashicorp/raft.
//
// Every member of the peerset runs one raft instance whose FSM is the
// history. Only the raft leader appends; followers forward proposes to it
// through a consensus.Forwarder and serve reads from their local replica.
package raftpeerset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"pkt.systems/pslog"

	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/consensus"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
	"pkt.systems/peersetd/internal/svcfields"
)

// Raft tuning.
const (
	DefaultApplyTimeout  = 10 * time.Second
	raftLogCacheSize     = 512
	raftSnapshotsKept    = 2
	raftTransportPool    = 3
	raftTransportTimeout = 10 * time.Second
)

// Member is one voter of the peerset's raft group.
type Member struct {
	PeerID  string
	Address string
}

// Config configures an Adapter.
type Config struct {
	PeersetID string
	PeerID    string
	Members   []Member
	// Bind is the local raft listen address. It defaults to this peer's
	// member address.
	Bind string
	// DataDir holds the raft log, stable store and snapshots. Without it the
	// stores are in memory.
	DataDir string
	// History is the replicated state, an in-memory history by default.
	History history.History
	// Forwarder sends proposes to the leader when this replica follows.
	Forwarder consensus.Forwarder

	// Transport overrides the TCP transport, mostly for tests.
	Transport raft.Transport

	ApplyTimeout       time.Duration
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotThreshold  uint64

	Logger pslog.Logger
}

// Adapter implements consensus.Adapter on top of raft.
type Adapter struct {
	peerset   string
	peer      string
	history   history.History
	forwarder consensus.Forwarder
	timeout   time.Duration
	logger    pslog.Logger

	raft      *raft.Raft
	transport raft.Transport
	boltStore *raftboltdb.BoltStore
	observer  *raft.Observer
	subs      consensus.Subscribers

	closing   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ consensus.Adapter = (*Adapter)(nil)

// New opens the raft stores, starts the raft instance and bootstraps the
// group from Members when no prior state exists.
func New(cfg Config) (*Adapter, error) {
	if cfg.PeersetID == "" {
		return nil, errors.New("raftpeerset: peerset id required")
	}
	if cfg.PeerID == "" {
		return nil, errors.New("raftpeerset: peer id required")
	}
	self, ok := memberAddress(cfg.Members, cfg.PeerID)
	if !ok {
		return nil, fmt.Errorf("raftpeerset: peer %q is not a member of peerset %q", cfg.PeerID, cfg.PeersetID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "consensus.raft").With(svcfields.PeersetKey, cfg.PeersetID)
	h := cfg.History
	if h == nil {
		h = history.NewMemory()
	}
	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	a := &Adapter{
		peerset:   cfg.PeersetID,
		peer:      cfg.PeerID,
		history:   h,
		forwarder: cfg.Forwarder,
		timeout:   timeout,
		logger:    logger,
		closing:   make(chan struct{}),
	}

	hclogger := NewHCLogger("raft", logger)
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.PeerID)
	conf.Logger = hclogger
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.LeaderLeaseTimeout > 0 {
		conf.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	}
	if conf.LeaderLeaseTimeout > conf.HeartbeatTimeout {
		conf.LeaderLeaseTimeout = conf.HeartbeatTimeout
	}
	if cfg.CommitTimeout > 0 {
		conf.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.SnapshotThreshold > 0 {
		conf.SnapshotThreshold = cfg.SnapshotThreshold
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
	)
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("raftpeerset: create data dir: %w", err)
		}
		store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("raftpeerset: bolt store: %w", err)
		}
		a.boltStore = store
		cached, err := raft.NewLogCache(raftLogCacheSize, store)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("raftpeerset: log cache: %w", err)
		}
		logs, stable = cached, store
		snaps, err = raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, raftSnapshotsKept, hclogger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("raftpeerset: snapshot store: %w", err)
		}
	} else {
		mem := raft.NewInmemStore()
		logs, stable = mem, mem
		snaps = raft.NewInmemSnapshotStore()
	}

	a.transport = cfg.Transport
	if a.transport == nil {
		bind := cfg.Bind
		if bind == "" {
			bind = self
		}
		advertise, err := net.ResolveTCPAddr("tcp", self)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("raftpeerset: resolve %s: %w", self, err)
		}
		trans, err := raft.NewTCPTransportWithLogger(bind, advertise, raftTransportPool, raftTransportTimeout, hclogger)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("raftpeerset: transport: %w", err)
		}
		a.transport = trans
	}

	existing, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("raftpeerset: inspect state: %w", err)
	}
	r, err := raft.NewRaft(conf, &fsm{history: h}, logs, stable, snaps, a.transport)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("raftpeerset: new raft: %w", err)
	}
	a.raft = r
	observations := make(chan raft.Observation, 16)
	a.observer = raft.NewObserver(observations, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(a.observer)
	a.wg.Add(1)
	go a.watchLeader(observations)
	if !existing {
		// Every member bootstraps with the same configuration.
		servers := make([]raft.Server, 0, len(cfg.Members))
		for _, m := range cfg.Members {
			servers = append(servers, raft.Server{
				Suffrage: raft.Voter,
				ID:       raft.ServerID(m.PeerID),
				Address:  raft.ServerAddress(m.Address),
			})
		}
		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = a.Close()
			return nil, fmt.Errorf("raftpeerset: bootstrap: %w", err)
		}
	}

	logger.Info("consensus.raft.started", "members", len(cfg.Members), "address", self, "existing_state", existing)
	return a, nil
}

// RaftAddress derives the raft address of the peerset with the given ordinal
// from a peer's base raft address. Each peerset a node hosts gets its own
// port: base port + ordinal.
func RaftAddress(base string, ordinal int) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("raftpeerset: parse raft address %q: %w", base, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("raftpeerset: raft port %q: %w", port, err)
	}
	if p+ordinal > 65535 {
		return "", fmt.Errorf("raftpeerset: raft port %d+%d out of range", p, ordinal)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+ordinal)), nil
}

func memberAddress(members []Member, peer string) (string, bool) {
	for _, m := range members {
		if m.PeerID == peer {
			return m.Address, true
		}
	}
	return "", false
}

func (a *Adapter) watchLeader(ch <-chan raft.Observation) {
	defer a.wg.Done()
	for {
		select {
		case <-a.closing:
			return
		case o := <-ch:
			obs, ok := o.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			a.logger.Info("consensus.raft.leader", "leader_id", string(obs.LeaderID), "leader_addr", string(obs.LeaderAddr))
			a.subs.Notify(consensus.LeaderInfo{PeersetID: a.peerset, LeaderID: string(obs.LeaderID)})
		}
	}
}

// PeersetID returns the replicated peerset.
func (a *Adapter) PeersetID() string { return a.peerset }

// ProposeChange appends ch's entry through the raft leader.
func (a *Adapter) ProposeChange(ctx context.Context, ch change.Change) (change.Result, error) {
	if err := ctx.Err(); err != nil {
		return change.Result{}, err
	}
	entry, err := change.ToEntry(ch, a.peerset)
	if err != nil {
		return change.Result{}, err
	}
	if a.raft.State() != raft.Leader {
		return a.forward(ctx, ch)
	}
	payload, err := encodeCommand(entry)
	if err != nil {
		return change.Result{}, err
	}
	timeout := a.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	future := a.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			a.logger.Debug("consensus.raft.leadership_lost", "change_id", ch.ID(), "error", err)
			return a.forward(ctx, ch)
		}
		if errors.Is(err, raft.ErrEnqueueTimeout) {
			return change.Result{}, failure.Failure{Code: failure.CodeUnavailable, Detail: err.Error(), RetryAfter: 1}
		}
		return change.Result{}, fmt.Errorf("raftpeerset: apply: %w", err)
	}
	applied, ok := future.Response().(applyResult)
	if !ok {
		return change.Result{}, fmt.Errorf("raftpeerset: unexpected apply response %T", future.Response())
	}
	res, err := consensus.ResultOf(ch.ID(), applied.res, applied.err)
	if err != nil {
		a.logger.Warn("consensus.propose.error", "change_id", ch.ID(), "error", err)
		return res, err
	}
	res.Leader = a.peer
	a.logger.Trace("consensus.propose.done", "change_id", ch.ID(), "status", res.Status, "entry_id", res.EntryID)
	return res, nil
}

func (a *Adapter) forward(ctx context.Context, ch change.Change) (change.Result, error) {
	leader := a.Leader()
	if leader == "" || leader == a.peer {
		return change.Result{}, failure.Failure{
			Code:       failure.CodeUnavailable,
			Detail:     fmt.Sprintf("peerset %s has no consensus leader", a.peerset),
			RetryAfter: 1,
		}
	}
	if a.forwarder == nil {
		return change.Result{}, failure.Failure{
			Code:   failure.CodeNotLeader,
			Detail: fmt.Sprintf("peer %s does not lead peerset %s", a.peer, a.peerset),
			Leader: leader,
		}
	}
	a.logger.Debug("consensus.raft.forward", "change_id", ch.ID(), "leader_id", leader)
	res, err := a.forwarder.ForwardPropose(ctx, leader, a.peerset, ch)
	if err != nil {
		return change.Result{}, err
	}
	if res.Leader == "" {
		res.Leader = leader
	}
	return res, nil
}

// CurrentEntryID returns the head of the local replica.
func (a *Adapter) CurrentEntryID(context.Context) (string, error) {
	return a.history.CurrentEntryID()
}

// Entry returns the entry with id from the local replica.
func (a *Adapter) Entry(_ context.Context, id string) (history.Entry, error) {
	return a.history.Entry(id)
}

// Walk follows parents from from on the local replica.
func (a *Adapter) Walk(_ context.Context, from string, limit int) ([]history.Entry, error) {
	return a.history.Walk(from, limit)
}

// Leader returns the raft leader's peer id, empty while unknown.
func (a *Adapter) Leader() string {
	_, id := a.raft.LeaderWithID()
	return string(id)
}

// SubscribeLeaderChange registers fn for raft leader changes.
func (a *Adapter) SubscribeLeaderChange(fn func(consensus.LeaderInfo)) func() {
	return a.subs.Add(fn)
}

// Close shuts raft down and releases the stores and the history.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		var errs []error
		if a.raft != nil {
			if a.observer != nil {
				a.raft.DeregisterObserver(a.observer)
			}
			if err := a.raft.Shutdown().Error(); err != nil {
				errs = append(errs, err)
			}
		}
		a.wg.Wait()
		if closer, ok := a.transport.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.boltStore != nil {
			if err := a.boltStore.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if closer, ok := a.history.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *Adapter) closeStores() {
	if closer, ok := a.transport.(io.Closer); ok {
		_ = closer.Close()
	}
	if a.boltStore != nil {
		_ = a.boltStore.Close()
	}
}
