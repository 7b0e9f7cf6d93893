package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/nativebridge/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, cfgErr := config.Load()

	rootCmd := &cobra.Command{
		Use:   "nativebridge",
		Short: "Call host native services over the IPC bridge",
		Long: `nativebridge connects to a host application's IPC channels and lets you
invoke native commands, watch events and resolve uin/uid pairs.

Settings come from NATIVEBRIDGE_* environment variables; flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			return cfg.Validate()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Transport to use: memory, rabbitmq or websocket")
	flags.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "RabbitMQ connection URL")
	flags.StringVar(&cfg.WebSocketURL, "ws-url", cfg.WebSocketURL, "WebSocket relay URL")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Default request timeout (0 waits forever)")
	flags.BoolVar(&cfg.DispatchAll, "dispatch-all", cfg.DispatchAll, "Dispatch every entry of an event frame")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve /metrics and /healthz on this address")
	flags.StringSliceVar(&cfg.AllowedEvents, "allow", cfg.AllowedEvents, "Only allow calls to these event names")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newInvokeCmd(&cfg),
		newWatchCmd(&cfg),
		newLookupCmd(&cfg),
	)
	return rootCmd
}

func newInvokeCmd(cfg *config.Config) *cobra.Command {
	var registered bool

	cmd := &cobra.Command{
		Use:   "invoke <event-name> <cmd-name> [json-args...]",
		Short: "Invoke a native command and print its result",
		Long: `Invoke sends one request on the upward channel and prints the result
from the matching reply. Each extra argument is parsed as JSON; arguments that
are not valid JSON are sent as strings.`,
		Example: `  nativebridge invoke ns-ntApi nodeIKernelBuddyService/getBuddyList '{"force_update":true}'`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			run, err := openBridge(ctx, *cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer run.Close()

			result, err := run.native.InvokeNative(ctx, args[0], args[1], registered, parseArgs(args[2:])...)
			if err != nil {
				return fmt.Errorf("invoke %s: %w", args[1], err)
			}

			return printJSON(cmd, result)
		},
	}
	cmd.Flags().BoolVarP(&registered, "register", "r", false, "Target the registered variant of the event")
	return cmd
}

func newWatchCmd(cfg *config.Config) *cobra.Command {
	var keepIdentity bool

	cmd := &cobra.Command{
		Use:   "watch <cmd-name...>",
		Short: "Print host events as they arrive",
		Long:  "Subscribe to one or more event names and print every payload until interrupted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			local := *cfg
			local.IdentityCache = keepIdentity
			run, err := openBridge(ctx, local, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer run.Close()

			out := cmd.OutOrStdout()
			for _, name := range args {
				name := name
				_, err := run.native.SubscribeEvent(name, func(ctx context.Context, payload json.RawMessage) {
					fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.RFC3339), name, compact(payload))
				})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", name, err)
				}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s... Press Ctrl+C to stop\n", strings.Join(args, ", "))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepIdentity, "identity", false, "Also run the identity cache and its startup refresh")
	return cmd
}

func newLookupCmd(cfg *config.Config) *cobra.Command {
	var (
		byUid bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lookup <id>",
		Short: "Resolve a uin to its uid, or a uid to its uin",
		Long: `Lookup starts the identity cache, waits for the friend list to arrive
and prints the matching identifier.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			local := *cfg
			local.IdentityCache = true
			run, err := openBridge(ctx, local, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer run.Close()

			convert := run.native.ConvertUinToUid
			if byUid {
				convert = run.native.ConvertUidToUin
			}

			value, ok := waitFor(ctx, wait, func() (string, bool) { return convert(args[0]) })
			if !ok {
				return fmt.Errorf("%s not found after %s", args[0], wait)
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&byUid, "uid", false, "Treat the argument as a uid and print its uin")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Second, "How long to wait for the friend list")
	return cmd
}

// waitFor polls lookup until it succeeds, wait elapses or ctx ends
func waitFor(ctx context.Context, wait time.Duration, lookup func() (string, bool)) (string, bool) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if value, ok := lookup(); ok {
			return value, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-ticker.C:
		}
	}
}

// parseArgs decodes each argument as JSON, falling back to a string
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, arg := range raw {
		if json.Valid([]byte(arg)) {
			out = append(out, json.RawMessage(arg))
			continue
		}
		out = append(out, arg)
	}
	return out
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "null")
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
