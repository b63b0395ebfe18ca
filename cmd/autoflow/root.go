package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// newRootCommand creates the autoflow command tree. Config is resolved once
// per invocation before any subcommand runs.
func newRootCommand(a *app) *cobra.Command {
	var (
		dbPath   string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "autoflow - scheduled and event-driven AI workflows",
		Long: `autoflow fires workflows from recurrence schedules and named events,
walks their AI, condition and action steps, and records every step
attempt in an append-only execution ledger.

Configuration is read from ~/.autoflow/settings.json and AUTOFLOW_*
environment variables; flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.dir, a.getenv)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			a.setupLogger(cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	cmd.PersistentFlags().StringVar(&a.dir, "config-dir", a.dir, "Directory holding settings.json")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides db_path)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newServeCommand(a),
		newApplyCommand(a),
		newPlanCommand(a),
		newScheduleCommand(a),
		newRunsCommand(a),
		newEmitCommand(a),
		newSecretCommand(a),
		newVersionCommand(),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
