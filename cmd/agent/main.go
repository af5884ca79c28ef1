// Package main is the entry point for the SecureWatch endpoint agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/securewatch/agent/internal/agenterrors"
	"github.com/securewatch/agent/internal/api"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/supervisor"
	"github.com/securewatch/agent/pkg/logger"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitInterrupt = 130
)

var (
	configPath string
	agentID    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "SecureWatch endpoint log-collection agent",
	Long: `agent harvests events from configured sources (file tailer, syslog
receiver, Windows event log), stages them durably, and ships them to a
remote ingestion endpoint over mTLS.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the agent configuration file (required)")
	rootCmd.Flags().StringVar(&agentID, "agent-id", "", "override the configured/persisted agent id")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging regardless of log.level")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	if err := rootCmd.Execute(); err != nil {
		if err == errInterrupted {
			return exitInterrupt
		}
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		return exitFailure
	}
	return exitOK
}

var errInterrupted = fmt.Errorf("interrupted")

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runAgent(ctx, configPath, agentID, verbose)
}

// runAgent loads config, builds the supervisor, and runs it until ctx is
// done or a fatal error occurs. Split out from run() so tests can drive it
// with a context they control instead of relying on real OS signals.
func runAgent(ctx context.Context, configPath, agentIDOverride string, verbose bool) error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return err
	}

	cfg := store.Current()
	if agentIDOverride != "" {
		cfg.AgentID = agentIDOverride
	}

	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	if verbose {
		logCfg.Level = "debug"
	}
	log := logger.NewLogger(logCfg)
	slog.SetDefault(log)

	log.Info("starting securewatch agent", "config", configPath)

	sup, err := supervisor.New(store, log, nil)
	if err != nil {
		log.Error("failed to initialize agent", "error", err)
		return agenterrors.NewConfigurationError("agent initialization failed", err)
	}

	if cfg.Security.DiagnosticAPIEnabled {
		diag := api.New(sup, cfg.Security, log)
		go func() {
			if err := diag.Run(ctx); err != nil {
				log.Error("diagnostic API exited with error", "error", err)
			}
		}()
	}

	runErr := sup.Run(ctx)

	if ctx.Err() != nil && runErr == nil {
		log.Info("agent shut down on signal")
		return errInterrupted
	}
	if runErr != nil {
		log.Error("agent exited with error", "error", runErr)
		return runErr
	}

	log.Info("agent shut down cleanly")
	return nil
}
