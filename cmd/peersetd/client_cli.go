package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/peersetd/api"
	peersetclient "pkt.systems/peersetd/client"
	"pkt.systems/pslog"
)

const (
	clientServerKey      = "client.server"
	clientTimeoutKey     = "client.timeout"
	clientLogLevelKey    = "client.log_level"
	clientCorrelationKey = "client.correlation_id"

	defaultClientServer = "http://127.0.0.1:9450"
)

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running peersetd node",
	}

	flags := cmd.PersistentFlags()
	flags.String("server", defaultClientServer, "peersetd node base URL")
	flags.Duration("timeout", peersetclient.DefaultHTTPTimeout, "timeout of non-submission requests")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("correlation-id", "", "correlation id sent with every request")

	mustBindFlag(clientServerKey, "PEERSETD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "PEERSETD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "PEERSETD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientCorrelationKey, "PEERSETD_CLIENT_CORRELATION_ID", flags.Lookup("correlation-id"))

	cmd.AddCommand(
		newClientSubmitCommand(),
		newClientResultCommand(),
		newClientHeadCommand(),
		newClientHistoryCommand(),
		newClientBlockedCommand(),
		newClientHealthCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func newCLIClient(cmd *cobra.Command) (*peersetclient.Client, error) {
	opts := []peersetclient.Option{
		peersetclient.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)),
		peersetclient.WithDefaultCorrelationID(viper.GetString(clientCorrelationKey)),
	}
	level := strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	if level != "" && level != "none" {
		parsed, ok := pslog.ParseLevel(level)
		if !ok {
			return nil, fmt.Errorf("invalid client log level %q", level)
		}
		logger := pslog.NewWithOptions(context.Background(), cmd.ErrOrStderr(), pslog.Options{
			Mode:     pslog.ModeConsole,
			MinLevel: parsed,
		}).With("app", "peersetd-client")
		opts = append(opts, peersetclient.WithLogger(logger))
	}
	return peersetclient.New(viper.GetString(clientServerKey), opts...)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePeersetArgs turns "ps1" or "ps1=<parent entry id>" tokens into change peersets.
func parsePeersetArgs(values []string) ([]api.ChangePeerset, error) {
	out := make([]api.ChangePeerset, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, parent, _ := strings.Cut(raw, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid peerset %q", raw)
		}
		out = append(out, api.ChangePeerset{PeersetID: id, ParentID: strings.TrimSpace(parent)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --peerset is required")
	}
	return out, nil
}

func newClientSubmitCommand() *cobra.Command {
	var (
		peersets        []string
		content         string
		contentFile     string
		changeID        string
		protocol        string
		notificationURL string
		async           bool
		wait            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a change touching one or more peersets",
		Example: `
  # Commit on ps1 and ps2 expecting ps1 at a known head
  peersetd client submit --peerset ps1=9c1f... --peerset ps2 --content 'debit:42'

  # Hand off and poll for up to a minute
  peersetd client submit --peerset ps1 --content-file change.json --async --wait 1m
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			sets, err := parsePeersetArgs(peersets)
			if err != nil {
				return err
			}
			if contentFile != "" {
				if content != "" {
					return fmt.Errorf("--content and --content-file are mutually exclusive")
				}
				raw, err := readContent(cmd, contentFile)
				if err != nil {
					return err
				}
				content = raw
			}
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			ch := api.Change{
				Type:            api.ChangeTypeStandard,
				ID:              changeID,
				Content:         content,
				Peersets:        sets,
				NotificationURL: notificationURL,
			}
			ctx := cmd.Context()
			if !async {
				res, err := cli.Submit(ctx, ch, protocol)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}
			id, err := cli.SubmitAsync(ctx, ch, protocol)
			if err != nil {
				return err
			}
			if wait <= 0 {
				return writeJSON(cmd.OutOrStdout(), api.ChangeStatusResponse{ChangeID: id, Pending: true})
			}
			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			res, err := cli.Wait(waitCtx, id)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", id, err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&peersets, "peerset", "p", nil, "peerset touched by the change, optionally with its expected parent (ps or ps=<entry id>)")
	flags.StringVar(&content, "content", "", "change content")
	flags.StringVar(&contentFile, "content-file", "", "read change content from a file (- for stdin)")
	flags.StringVar(&changeID, "id", "", "change id (generated by the server when omitted)")
	flags.StringVar(&protocol, "protocol", "", "commit protocol for multi-peerset changes (gpac or two_pc; server default when empty)")
	flags.StringVar(&notificationURL, "notification-url", "", "URL that receives the final result")
	flags.BoolVar(&async, "async", false, "return once the node accepted the change")
	flags.DurationVar(&wait, "wait", 0, "with --async, poll for the result up to this long")
	return cmd
}

func readContent(cmd *cobra.Command, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(raw), nil
}

func newClientResultCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "result <change-id>",
		Short: "Fetch the result of a change submitted to this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if wait > 0 {
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				res, err := cli.Wait(waitCtx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}
			res, err := cli.Result(ctx, args[0])
			if errors.Is(err, peersetclient.ErrPending) {
				return writeJSON(cmd.OutOrStdout(), api.ChangeStatusResponse{ChangeID: args[0], Pending: true})
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until the change finishes, up to this long")
	return cmd
}

func newClientHeadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "head <peerset>",
		Short: "Print the head entry id of a peerset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			head, err := cli.Head(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), head)
			return err
		},
	}
}

func newClientHistoryCommand() *cobra.Command {
	var (
		limit int
		entry string
	)
	cmd := &cobra.Command{
		Use:   "history <peerset>",
		Short: "Print the history of a peerset, head first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			if entry != "" {
				e, err := cli.Entry(cmd.Context(), args[0], entry)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), e)
			}
			hist, err := cli.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), hist)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to print (0 prints all)")
	cmd.Flags().StringVar(&entry, "entry", "", "print only this entry id")
	return cmd
}

func newClientBlockedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked <peerset>",
		Short: "Show which transaction holds a peerset's lock on this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			res, err := cli.Blocked(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newClientHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			res, err := cli.Health(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}
