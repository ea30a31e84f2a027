// Package cli wires configuration, stores and pipelines into cobra commands.
package cli

import (
	"context"
	"fmt"

	"github.com/BartekS5/opendata-import/internal/config"
	"github.com/BartekS5/opendata-import/pkg/logger"
	"github.com/spf13/cobra"
)

// app carries state shared by all sub-commands once the root pre-run has loaded it.
type app struct {
	cfg       *config.Config
	logLevel  string
	logFormat string
}

// Execute runs the root command with args and closes the log file however
// the command ends.
func Execute(ctx context.Context, args []string) error {
	defer logger.Close()
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "odimport",
		Short: "odimport - scheduled open-data CSV importer",
		Long: `odimport downloads CSV exports over HTTP, maps them with a pipeline
definition and upserts them in batches into a hosted table (Supabase/PostgREST,
Postgres, MongoDB, SQL Server or SQLite). Transient write failures are retried
with capped exponential backoff; the first batch that cannot be written stops the run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json (default from LOG_FORMAT)")

	rootCmd.AddCommand(newImportCmd(a), newListCmd(a), newCountCmd(a))

	return rootCmd
}

// init loads the environment configuration and sets up logging. Validation
// is left to the commands, which know which settings they need.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.cfg = cfg
	logger.Debug("configuration loaded", "config", cfg.String())
	return nil
}
