package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/kernel"
	"github.com/runplane/runplane/pkg/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	actor      string

	v = viper.New()
)

// shutdownTimeout bounds kernel and telemetry shutdown.
const shutdownTimeout = 30 * time.Second

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runplane",
		Short: "Runplane - run orchestration kernel",
		Long: `Runplane composes function, task and run specs into runnables, drives
them through their lifecycle on pluggable execution frameworks, and fires new
runs from schedules and lifecycle events.

Features:
  - Layered spec composition per runtime
  - Run lifecycle state machine with audit history
  - Reconciliation loop over framework adapters
  - Schedule and lifecycle triggers
  - CUE schema validation and Rego admission policies`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default ./runplane.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&actor, "actor", "cli", "actor recorded on lifecycle transitions")
	flags.String("db", "", "SQLite database path")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	_ = v.BindPFlag("database.path", flags.Lookup("db"))
	_ = v.BindPFlag("telemetry.logging.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newComposeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newTriggersCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the configuration file and environment, with bound flags
// taking precedence.
func loadConfig() (*config.Config, error) {
	return config.Load(v, configPath)
}

// withKernel builds a kernel from the loaded configuration, runs fn and
// shuts everything down again.
func withKernel(ctx context.Context, fn func(ctx context.Context, k *kernel.Kernel) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(sctx))
	}()

	k, err := kernel.New(ctx, cfg, kernel.Options{Telemetry: tel})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, k.Close(sctx))
	}()

	return fn(ctx, k)
}
