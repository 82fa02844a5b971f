// Command microsentinel runs the host agent: it attaches the kernel
// sampler, attributes micro-architectural stalls to flows and code
// paths, and serves the metrics and control endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/microsentinel/agent/internal/agent"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/times"
	"github.com/microsentinel/agent/vc"
)

func main() {
	root := &cobra.Command{
		Use:           "microsentinel",
		Short:         "Attribute CPU micro-architectural stalls to network flows and code paths",
		SilenceUsage:  true,
		SilenceErrors: true,
		// The ff flag set owns all flag handling, including -config and
		// MS_* environment overrides.
		DisableFlagParsing: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "microsentinel: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("microsentinel %s (revision %s, built %s)\n",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())
}

func run(args []string) error {
	parsed, err := parseArgs(args, discoverConfigPath())
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}
	if parsed.version {
		printVersion()
		return nil
	}
	mslog.Setup(parsed.verbose)

	// One-shot monotonic/realtime clock sync; exported timestamps lean on
	// the resulting boot-time delta.
	times.StartRealtimeSync(context.Background(), 0)

	cfg, err := parsed.agentConfig()
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	runtime, err := agent.New(cfg)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		return err
	}
	mslog.Infof("Agent started (metrics on %s, control on %s)",
		runtime.MetricsAddr(), runtime.ControlAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	mslog.Infof("Received %s, shutting down", sig)

	runtime.Stop()
	return nil
}
