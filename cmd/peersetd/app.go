package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/peersetd"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PEERSETD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "peersetd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server errors are logged, subcommand errors printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") {
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			flag := root.Flags().Lookup(name)
			if flag == nil {
				flag = root.PersistentFlags().Lookup(name)
			}
			if flag == nil && len(name) == 1 {
				flag = root.Flags().ShorthandLookup(name)
				if flag == nil {
					flag = root.PersistentFlags().ShorthandLookup(name)
				}
			}
			if flag != nil && flag.NoOptDefVal == "" {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := peersetd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, peersetd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg peersetd.Config

	cmd := &cobra.Command{
		Use:           "peersetd",
		Short:         "peersetd commits changes atomically across independently replicated histories",
		SilenceErrors: true,
		Example: `
  # Single node hosting every peerset of a local topology
  peersetd --self peer0 --topology-file ./topology.yaml

  # Raft-replicated peersets with durable histories
  peersetd --self peer1 --topology-file /etc/peersetd/topology.yaml \
    --consensus raft --history-store bolt --data-dir /var/lib/peersetd

  # Same, configured through the environment
  PEERSETD_SELF=peer2 PEERSETD_TOPOLOGY_FILE=/etc/peersetd/topology.yaml PEERSETD_COMMIT_PROTOCOL=two_pc peersetd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to peersetd",
				"app", "peersetd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := peersetd.NewServer(cfg, peersetd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()

			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.peersetd/"+peersetd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", peersetd.DefaultListen, "listen address")
	flags.String("self", "", "this node's peer id in the topology")
	flags.String("topology-file", "", "YAML file listing peers and peersets (watched for address changes)")
	flags.String("data-dir", "", "directory for bolt histories and raft state")
	flags.String("consensus", peersetd.DefaultConsensus, "local consensus per peerset (direct or raft)")
	flags.String("history-store", peersetd.DefaultHistoryStore, "history storage (memory or bolt)")
	flags.String("commit-protocol", peersetd.DefaultCommitProtocol, "protocol for multi-peerset changes that name none (gpac or two_pc)")
	flags.String("quorum", peersetd.DefaultQuorum, "GPAC replies required per peerset (one or majority)")
	flags.Duration("gpac-phase-timeout", peersetd.DefaultGPACPhaseTimeout, "timeout of each GPAC phase")
	flags.Duration("gpac-leader-fail-timeout", peersetd.DefaultGPACLeaderFailTimeout, "time a GPAC participant waits on a silent coordinator before recovering")
	flags.Bool("gpac-disable-recovery", false, "disable participant-driven GPAC recovery")
	flags.Duration("twopc-accept-timeout", peersetd.DefaultTwoPCAcceptTimeout, "timeout of 2PC accept and decision fan-outs")
	flags.Duration("twopc-ask-base-delay", peersetd.DefaultTwoPCAskBaseDelay, "first delay when polling a 2PC leader for its decision")
	flags.Duration("twopc-ask-max-delay", peersetd.DefaultTwoPCAskMaxDelay, "maximum delay when polling a 2PC leader for its decision")
	flags.Int("retry-attempts", peersetd.DefaultRetryMaxAttempts, "maximum GPAC ballots per transaction")
	flags.Duration("retry-base-delay", peersetd.DefaultRetryBaseDelay, "initial delay between GPAC ballots")
	flags.Duration("retry-max-delay", peersetd.DefaultRetryMaxDelay, "maximum delay between GPAC ballots")
	flags.Float64("retry-multiplier", peersetd.DefaultRetryMultiplier, "backoff multiplier between GPAC ballots")
	flags.Int("lock-retry-attempts", peersetd.DefaultLockRetryMaxAttempts, "maximum attempts while a peerset is locked by another transaction")
	flags.Duration("lock-retry-base-delay", peersetd.DefaultLockRetryBaseDelay, "initial delay while a peerset is locked")
	flags.Duration("lock-retry-max-delay", peersetd.DefaultLockRetryMaxDelay, "maximum delay while a peerset is locked")
	flags.Duration("peer-timeout", peersetd.DefaultPeerTimeout, "timeout of one peer RPC")
	flags.Duration("forward-timeout", peersetd.DefaultForwardTimeout, "timeout of a client change forwarded to another node")
	flags.Duration("sync-timeout", peersetd.DefaultSyncTimeout, "bound on synchronous submissions (0 waits for a terminal result)")
	flags.Duration("raft-apply-timeout", peersetd.DefaultRaftApplyTimeout, "timeout of one raft append")
	flags.Duration("raft-heartbeat-timeout", peersetd.DefaultRaftHeartbeatTimeout, "raft heartbeat timeout")
	flags.Duration("raft-election-timeout", peersetd.DefaultRaftElectionTimeout, "raft election timeout")
	flags.Int("result-cache-size", peersetd.DefaultResultCacheSize, "finished change results kept for lookup")
	flags.String("json-max", humanizeBytes(peersetd.DefaultJSONMaxBytes), "maximum JSON request size")
	flags.Duration("notify-timeout", peersetd.DefaultNotifyTimeout, "timeout of one result notification POST")
	flags.Int("notify-concurrency", peersetd.DefaultNotifyConcurrency, "maximum in-flight result notifications")
	flags.Duration("shutdown-timeout", peersetd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("metrics-listen", peersetd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", peersetd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

	viper.SetEnvPrefix("PEERSETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlag("config", persistentFlags.Lookup("config")); err != nil {
		panic(err)
	}
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *peersetd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.SelfID = viper.GetString("self")
	cfg.TopologyFile = viper.GetString("topology-file")
	if viper.IsSet("topology") {
		if err := viper.UnmarshalKey("topology", &cfg.Topology); err != nil {
			return fmt.Errorf("parse topology: %w", err)
		}
	}
	cfg.DataDir = viper.GetString("data-dir")
	if cfg.DataDir != "" {
		dir, err := expandPath(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("expand data-dir: %w", err)
		}
		cfg.DataDir = dir
	}
	cfg.Consensus = viper.GetString("consensus")
	cfg.HistoryStore = viper.GetString("history-store")
	cfg.CommitProtocol = viper.GetString("commit-protocol")
	cfg.Quorum = viper.GetString("quorum")
	cfg.GPACPhaseTimeout = viper.GetDuration("gpac-phase-timeout")
	cfg.GPACLeaderFailTimeout = viper.GetDuration("gpac-leader-fail-timeout")
	cfg.GPACDisableRecovery = viper.GetBool("gpac-disable-recovery")
	cfg.TwoPCAcceptTimeout = viper.GetDuration("twopc-accept-timeout")
	cfg.TwoPCAskBaseDelay = viper.GetDuration("twopc-ask-base-delay")
	cfg.TwoPCAskMaxDelay = viper.GetDuration("twopc-ask-max-delay")
	cfg.RetryMaxAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	cfg.LockRetryMaxAttempts = viper.GetInt("lock-retry-attempts")
	cfg.LockRetryBaseDelay = viper.GetDuration("lock-retry-base-delay")
	cfg.LockRetryMaxDelay = viper.GetDuration("lock-retry-max-delay")
	cfg.PeerTimeout = viper.GetDuration("peer-timeout")
	cfg.ForwardTimeout = viper.GetDuration("forward-timeout")
	cfg.SyncTimeout = viper.GetDuration("sync-timeout")
	cfg.RaftApplyTimeout = viper.GetDuration("raft-apply-timeout")
	cfg.RaftHeartbeatTimeout = viper.GetDuration("raft-heartbeat-timeout")
	cfg.RaftElectionTimeout = viper.GetDuration("raft-election-timeout")
	cfg.ResultCacheSize = viper.GetInt("result-cache-size")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.NotifyTimeout = viper.GetDuration("notify-timeout")
	cfg.NotifyConcurrency = viper.GetInt("notify-concurrency")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
