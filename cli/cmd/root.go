// Package cmd contains CLI commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/dorastudio/cli/internal/config"
	"github.com/instantcocoa/dorastudio/cli/internal/output"
	studioconfig "github.com/instantcocoa/dorastudio/pkg/config"
	"github.com/instantcocoa/dorastudio/pkg/telemetry"
	"github.com/instantcocoa/dorastudio/services/studio"
)

// version is set at build time with -ldflags "-X .../cli/cmd.version=...".
var version = "0.1.0"

var (
	cfg     *config.Config
	format  string
	verbose bool
	timeout time.Duration
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "dorastudio",
	Short: "Dora Studio - telemetry, chat and dataflow control for dora-rs",
	Long: `Dora Studio queries traces, logs and metrics from an observability
backend, runs tool-assisted chat against an OpenAI-compatible model and
controls dataflows on the dora runtime.

Examples:
  # Recent error spans of one service
  dorastudio traces --service camera --status error

  # Ask about running dataflows
  dorastudio chat "which dataflows are running?"

  # Start a dataflow
  dorastudio dataflows start dataflow.yml

  # Live view refreshed every interval
  dorastudio watch
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if format != "" {
			cfg.Format = format
		}
		if timeout > 0 {
			cfg.Timeout = timeout
		}
		cfg.Verbose = cfg.Verbose || verbose
	},
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-command timeout (default 2m)")

	rootCmd.AddCommand(tracesCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(dataflowsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("dorastudio version %s\n", version)
	},
}

// session is one opened studio handle plus the telemetry backing its logs.
type session struct {
	studio   *studio.Studio
	provider *telemetry.Provider
	logger   *slog.Logger
}

// openSession loads configuration, sets up logging on stderr and opens the
// studio handle.
func openSession(ctx context.Context) (*session, error) {
	scfg, err := studioconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tcfg := telemetry.FromConfig(scfg)
	if cfg.Verbose {
		tcfg.LogLevel = "debug"
	} else if tcfg.LogLevel == "info" {
		// Only warnings unless -v.
		tcfg.LogLevel = "warn"
	}
	provider, err := telemetry.Setup(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	provider.Logger().Debug("session opened",
		"backend_url", scfg.SigNozBaseURL,
		"tracing", provider.TracingEnabled(),
		"chat", scfg.ChatEnabled(),
	)

	s, err := studio.Open(ctx, studio.Options{
		Config: scfg,
		Logger: provider.Logger(),
		Tracer: provider.Tracer("github.com/instantcocoa/dorastudio/services/studio"),
	})
	if err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}
	return &session{studio: s, provider: provider, logger: provider.Logger()}, nil
}

// close tears the studio down, giving in-flight requests a grace period.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.studio.Shutdown(ctx)
	if perr := s.provider.Shutdown(ctx); perr != nil {
		s.logger.Warn("telemetry shutdown failed", "error", perr)
	}
	return err
}

// withStudio runs fn against a freshly opened studio bounded by the command
// timeout, and shuts the studio down afterwards.
func withStudio(cmd *cobra.Command, fn func(ctx context.Context, s *studio.Studio) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()
	return withStudioContext(ctx, fn)
}

func withStudioContext(ctx context.Context, fn func(ctx context.Context, s *studio.Studio) error) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, sess.studio)
	if err := sess.close(); err != nil && runErr == nil {
		sess.logger.Warn("studio shutdown incomplete", "error", err)
	}
	return runErr
}

func writer(cmd *cobra.Command) *output.Writer {
	return output.NewWriter(cfg.Format).WithOutput(cmd.OutOrStdout())
}
