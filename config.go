package peersetd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/backoff"
	"pkt.systems/peersetd/internal/core"
	"pkt.systems/peersetd/internal/gpac"
	"pkt.systems/peersetd/internal/peers"
	"pkt.systems/peersetd/internal/results"
	"pkt.systems/peersetd/internal/twopc"
)

const (
	// ConsensusDirect runs every hosted peerset as a single replica.
	ConsensusDirect = "direct"
	// ConsensusRaft replicates every hosted peerset with raft across its members.
	ConsensusRaft = "raft"

	// HistoryMemory keeps histories in memory.
	HistoryMemory = "memory"
	// HistoryBolt keeps histories in one bbolt file per peerset under DataDir.
	HistoryBolt = "bolt"
)

const (
	// DefaultListen is the default HTTP bind address.
	DefaultListen = ":9450"
	// DefaultMetricsListen is empty, which disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty, which disables pprof.
	DefaultPprofListen = ""
	// DefaultConsensus selects the local consensus adapter.
	DefaultConsensus = ConsensusDirect
	// DefaultHistoryStore selects where histories live.
	DefaultHistoryStore = HistoryMemory
	// DefaultCommitProtocol commits multi-peerset changes that name no protocol.
	DefaultCommitProtocol = api.ProtocolGPAC
	// DefaultQuorum is the GPAC per-peerset quorum.
	DefaultQuorum = string(gpac.QuorumOne)
	// DefaultGPACPhaseTimeout bounds each GPAC phase.
	DefaultGPACPhaseTimeout = gpac.DefaultPhaseTimeout
	// DefaultGPACLeaderFailTimeout is how long participants wait on a silent coordinator.
	DefaultGPACLeaderFailTimeout = gpac.DefaultLeaderFailTimeout
	// DefaultTwoPCAcceptTimeout bounds 2PC accept and decision fan-outs.
	DefaultTwoPCAcceptTimeout = twopc.DefaultAcceptTimeout
	// DefaultTwoPCAskBaseDelay is the first delay of 2PC decision polling.
	DefaultTwoPCAskBaseDelay = twopc.DefaultAskBaseDelay
	// DefaultTwoPCAskMaxDelay caps 2PC decision polling.
	DefaultTwoPCAskMaxDelay = twopc.DefaultAskMaxDelay
	// DefaultRetryMaxAttempts caps GPAC ballots per transaction.
	DefaultRetryMaxAttempts = backoff.DefaultMaxAttempts
	// DefaultRetryBaseDelay is the first delay between ballots.
	DefaultRetryBaseDelay = backoff.DefaultBaseDelay
	// DefaultRetryMaxDelay caps the delay between ballots.
	DefaultRetryMaxDelay = backoff.DefaultMaxDelay
	// DefaultRetryMultiplier grows the delay between ballots.
	DefaultRetryMultiplier = backoff.DefaultMultiplier
	// DefaultLockRetryMaxAttempts caps retries while a peerset is locked.
	DefaultLockRetryMaxAttempts = 8
	// DefaultLockRetryBaseDelay is the first delay while a peerset is locked.
	DefaultLockRetryBaseDelay = 25 * time.Millisecond
	// DefaultLockRetryMaxDelay caps the delay while a peerset is locked.
	DefaultLockRetryMaxDelay = time.Second
	// DefaultPeerTimeout bounds one peer RPC.
	DefaultPeerTimeout = 5 * time.Second
	// DefaultForwardTimeout bounds a client change forwarded to another node.
	DefaultForwardTimeout = time.Minute
	// DefaultSyncTimeout of zero lets synchronous submissions run to a terminal result.
	DefaultSyncTimeout = time.Duration(0)
	// DefaultRaftApplyTimeout bounds one raft append.
	DefaultRaftApplyTimeout = 10 * time.Second
	// DefaultRaftHeartbeatTimeout is the raft heartbeat timeout.
	DefaultRaftHeartbeatTimeout = time.Second
	// DefaultRaftElectionTimeout is the raft election timeout.
	DefaultRaftElectionTimeout = time.Second
	// DefaultResultCacheSize caps finished change results kept for lookup.
	DefaultResultCacheSize = results.DefaultSize
	// DefaultJSONMaxBytes bounds request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultNotifyTimeout bounds one notification POST.
	DefaultNotifyTimeout = 5 * time.Second
	// DefaultNotifyConcurrency caps in-flight notification POSTs.
	DefaultNotifyConcurrency = 64
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of one peersetd node.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// SelfID is this node's peer id in the topology.
	SelfID string
	// DataDir holds bolt histories and raft state.
	DataDir string
	// Consensus selects the local consensus adapter (direct or raft).
	Consensus string
	// HistoryStore selects history storage (memory or bolt).
	HistoryStore string
	// CommitProtocol commits multi-peerset changes that name none (gpac or two_pc).
	CommitProtocol string
	// Quorum is the GPAC per-peerset quorum (one or majority).
	Quorum string

	GPACPhaseTimeout      time.Duration
	GPACLeaderFailTimeout time.Duration
	// GPACDisableRecovery turns off participant-driven recovery.
	GPACDisableRecovery bool

	TwoPCAcceptTimeout time.Duration
	TwoPCAskBaseDelay  time.Duration
	TwoPCAskMaxDelay   time.Duration

	// Retry paces GPAC ballots.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
	// LockRetry paces retries while a peerset lock is held.
	LockRetryMaxAttempts int
	LockRetryBaseDelay   time.Duration
	LockRetryMaxDelay    time.Duration

	PeerTimeout    time.Duration
	ForwardTimeout time.Duration
	// SyncTimeout bounds synchronous client submissions; zero waits for a
	// terminal result.
	SyncTimeout time.Duration

	RaftApplyTimeout     time.Duration
	RaftHeartbeatTimeout time.Duration
	RaftElectionTimeout  time.Duration

	ResultCacheSize   int
	JSONMaxBytes      int64
	NotifyTimeout     time.Duration
	NotifyConcurrency int

	// MetricsListen is the Prometheus bind address; empty disables it.
	MetricsListen string
	// PprofListen is the pprof bind address; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (host:port, grpc://, grpcs://, http://, https://).
	OTLPEndpoint string

	// TopologyFile is a YAML file with peers and peersets. It is watched and
	// peer addresses are reloaded on change.
	TopologyFile string
	// Topology is used as is when set; otherwise it is loaded from TopologyFile.
	Topology peers.Topology

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.SelfID = strings.TrimSpace(c.SelfID)
	if c.SelfID == "" {
		return fmt.Errorf("config: self id is required")
	}
	c.Consensus = strings.ToLower(strings.TrimSpace(c.Consensus))
	if c.Consensus == "" {
		c.Consensus = DefaultConsensus
	}
	switch c.Consensus {
	case ConsensusDirect, ConsensusRaft:
	default:
		return fmt.Errorf("config: consensus must be %q or %q", ConsensusDirect, ConsensusRaft)
	}
	c.HistoryStore = strings.ToLower(strings.TrimSpace(c.HistoryStore))
	if c.HistoryStore == "" {
		c.HistoryStore = DefaultHistoryStore
	}
	switch c.HistoryStore {
	case HistoryMemory, HistoryBolt:
	default:
		return fmt.Errorf("config: history store must be %q or %q", HistoryMemory, HistoryBolt)
	}
	if c.HistoryStore == HistoryBolt && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: history store %q requires data dir", HistoryBolt)
	}
	if c.CommitProtocol == "" {
		c.CommitProtocol = DefaultCommitProtocol
	}
	protocol, err := core.NormalizeProtocol(c.CommitProtocol)
	if err != nil {
		return fmt.Errorf("config: commit protocol: %w", err)
	}
	c.CommitProtocol = protocol
	quorum, err := gpac.ParseQuorumMode(c.Quorum)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Quorum = string(quorum)

	if c.GPACPhaseTimeout <= 0 {
		c.GPACPhaseTimeout = DefaultGPACPhaseTimeout
	}
	if c.GPACLeaderFailTimeout <= 0 {
		c.GPACLeaderFailTimeout = DefaultGPACLeaderFailTimeout
	}
	if c.TwoPCAcceptTimeout <= 0 {
		c.TwoPCAcceptTimeout = DefaultTwoPCAcceptTimeout
	}
	if c.TwoPCAskBaseDelay <= 0 {
		c.TwoPCAskBaseDelay = DefaultTwoPCAskBaseDelay
	}
	if c.TwoPCAskMaxDelay <= 0 {
		c.TwoPCAskMaxDelay = DefaultTwoPCAskMaxDelay
	}
	if c.TwoPCAskMaxDelay < c.TwoPCAskBaseDelay {
		return fmt.Errorf("config: 2pc ask max delay must be >= ask base delay")
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	} else if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.LockRetryMaxAttempts <= 0 {
		c.LockRetryMaxAttempts = DefaultLockRetryMaxAttempts
	}
	if c.LockRetryBaseDelay <= 0 {
		c.LockRetryBaseDelay = DefaultLockRetryBaseDelay
	}
	if c.LockRetryMaxDelay <= 0 {
		c.LockRetryMaxDelay = DefaultLockRetryMaxDelay
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("config: sync timeout must be >= 0")
	}
	if c.RaftApplyTimeout <= 0 {
		c.RaftApplyTimeout = DefaultRaftApplyTimeout
	}
	if c.RaftHeartbeatTimeout <= 0 {
		c.RaftHeartbeatTimeout = DefaultRaftHeartbeatTimeout
	}
	if c.RaftElectionTimeout <= 0 {
		c.RaftElectionTimeout = DefaultRaftElectionTimeout
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = DefaultResultCacheSize
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.NotifyConcurrency <= 0 {
		c.NotifyConcurrency = DefaultNotifyConcurrency
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if len(c.Topology.Peersets) == 0 {
		if strings.TrimSpace(c.TopologyFile) == "" {
			return fmt.Errorf("config: topology is required (inline or via topology file)")
		}
		topo, err := peers.LoadFile(c.TopologyFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.Topology = topo
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var self *peers.Peer
	for i := range c.Topology.Peers {
		if c.Topology.Peers[i].ID == c.SelfID {
			self = &c.Topology.Peers[i]
			break
		}
	}
	if self == nil {
		return fmt.Errorf("config: self id %q is not a peer of the topology", c.SelfID)
	}
	if c.Consensus == ConsensusDirect {
		// Each member would keep its own unreplicated history.
		for _, ps := range c.Topology.Peersets {
			if len(ps.Peers) > 1 {
				return fmt.Errorf("config: consensus %q supports single-member peersets only; peerset %q has %d members, use %q", ConsensusDirect, ps.ID, len(ps.Peers), ConsensusRaft)
			}
		}
	}
	if c.Consensus == ConsensusRaft {
		for _, p := range c.Topology.Peers {
			if strings.TrimSpace(p.RaftAddress) == "" {
				return fmt.Errorf("config: consensus %q requires a raft address for peer %q", ConsensusRaft, p.ID)
			}
		}
	}
	return nil
}

// RetryPolicy returns the GPAC ballot retry policy.
func (c Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Multiplier:  c.RetryMultiplier,
		Jitter:      0.2,
	}
}

// LockRetryPolicy returns the policy for retrying on a held peerset lock.
func (c Config) LockRetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: c.LockRetryMaxAttempts,
		BaseDelay:   c.LockRetryBaseDelay,
		MaxDelay:    c.LockRetryMaxDelay,
		Multiplier:  DefaultRetryMultiplier,
		Jitter:      0.5,
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.peersetd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PEERSETD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".peersetd"), nil
}
