package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/peersetd"
	"pkt.systems/peersetd/internal/peers"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage peersetd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	var self string
	defaultOutput := "$HOME/.peersetd/config.yaml"
	if dir, err := peersetd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, peersetd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default peersetd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := peersetd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, peersetd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML(func(d *configDefaults) {
				if self != "" {
					d.Self = self
					d.Topology.Peers[0].ID = self
					d.Topology.Peersets[0].Peers = []string{self}
				}
			})
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	cmd.Flags().StringVar(&self, "self", "", "peer id to write as self and as the only peer of the sample topology")
	return cmd
}

// configDefaults mirrors the root command flags. Keys match flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Listen                string         `yaml:"listen"`
	Self                  string         `yaml:"self"`
	TopologyFile          string         `yaml:"topology-file"`
	Topology              peers.Topology `yaml:"topology"`
	DataDir               string         `yaml:"data-dir"`
	Consensus             string         `yaml:"consensus"`
	HistoryStore          string         `yaml:"history-store"`
	CommitProtocol        string         `yaml:"commit-protocol"`
	Quorum                string         `yaml:"quorum"`
	GPACPhaseTimeout      string         `yaml:"gpac-phase-timeout"`
	GPACLeaderFailTimeout string         `yaml:"gpac-leader-fail-timeout"`
	GPACDisableRecovery   bool           `yaml:"gpac-disable-recovery"`
	TwoPCAcceptTimeout    string         `yaml:"twopc-accept-timeout"`
	TwoPCAskBaseDelay     string         `yaml:"twopc-ask-base-delay"`
	TwoPCAskMaxDelay      string         `yaml:"twopc-ask-max-delay"`
	RetryAttempts         int            `yaml:"retry-attempts"`
	RetryBaseDelay        string         `yaml:"retry-base-delay"`
	RetryMaxDelay         string         `yaml:"retry-max-delay"`
	RetryMultiplier       float64        `yaml:"retry-multiplier"`
	LockRetryAttempts     int            `yaml:"lock-retry-attempts"`
	LockRetryBaseDelay    string         `yaml:"lock-retry-base-delay"`
	LockRetryMaxDelay     string         `yaml:"lock-retry-max-delay"`
	PeerTimeout           string         `yaml:"peer-timeout"`
	ForwardTimeout        string         `yaml:"forward-timeout"`
	SyncTimeout           string         `yaml:"sync-timeout"`
	RaftApplyTimeout      string         `yaml:"raft-apply-timeout"`
	RaftHeartbeatTimeout  string         `yaml:"raft-heartbeat-timeout"`
	RaftElectionTimeout   string         `yaml:"raft-election-timeout"`
	ResultCacheSize       int            `yaml:"result-cache-size"`
	JSONMax               string         `yaml:"json-max"`
	NotifyTimeout         string         `yaml:"notify-timeout"`
	NotifyConcurrency     int            `yaml:"notify-concurrency"`
	ShutdownTimeout       string         `yaml:"shutdown-timeout"`
	MetricsListen         string         `yaml:"metrics-listen"`
	PprofListen           string         `yaml:"pprof-listen"`
	EnableProfiling       bool           `yaml:"enable-profiling-metrics"`
	OTLPEndpoint          string         `yaml:"otlp-endpoint"`
	LogLevel              string         `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen: peersetd.DefaultListen,
		Self:   "peer0",
		Topology: peers.Topology{
			Peers:    []peers.Peer{{ID: "peer0", Address: "127.0.0.1" + peersetd.DefaultListen, RaftAddress: "127.0.0.1:9550"}},
			Peersets: []peers.Peerset{{ID: "ps1", Peers: []string{"peer0"}}},
		},
		Consensus:             peersetd.DefaultConsensus,
		HistoryStore:          peersetd.DefaultHistoryStore,
		CommitProtocol:        peersetd.DefaultCommitProtocol,
		Quorum:                peersetd.DefaultQuorum,
		GPACPhaseTimeout:      peersetd.DefaultGPACPhaseTimeout.String(),
		GPACLeaderFailTimeout: peersetd.DefaultGPACLeaderFailTimeout.String(),
		TwoPCAcceptTimeout:    peersetd.DefaultTwoPCAcceptTimeout.String(),
		TwoPCAskBaseDelay:     peersetd.DefaultTwoPCAskBaseDelay.String(),
		TwoPCAskMaxDelay:      peersetd.DefaultTwoPCAskMaxDelay.String(),
		RetryAttempts:         peersetd.DefaultRetryMaxAttempts,
		RetryBaseDelay:        peersetd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:         peersetd.DefaultRetryMaxDelay.String(),
		RetryMultiplier:       peersetd.DefaultRetryMultiplier,
		LockRetryAttempts:     peersetd.DefaultLockRetryMaxAttempts,
		LockRetryBaseDelay:    peersetd.DefaultLockRetryBaseDelay.String(),
		LockRetryMaxDelay:     peersetd.DefaultLockRetryMaxDelay.String(),
		PeerTimeout:           peersetd.DefaultPeerTimeout.String(),
		ForwardTimeout:        peersetd.DefaultForwardTimeout.String(),
		SyncTimeout:           peersetd.DefaultSyncTimeout.String(),
		RaftApplyTimeout:      peersetd.DefaultRaftApplyTimeout.String(),
		RaftHeartbeatTimeout:  peersetd.DefaultRaftHeartbeatTimeout.String(),
		RaftElectionTimeout:   peersetd.DefaultRaftElectionTimeout.String(),
		ResultCacheSize:       peersetd.DefaultResultCacheSize,
		JSONMax:               humanizeBytes(peersetd.DefaultJSONMaxBytes),
		NotifyTimeout:         peersetd.DefaultNotifyTimeout.String(),
		NotifyConcurrency:     peersetd.DefaultNotifyConcurrency,
		ShutdownTimeout:       peersetd.DefaultShutdownTimeout.String(),
		LogLevel:              "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
