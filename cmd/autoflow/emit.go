package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/pkg/schema"
)

func newEmitCommand(a *app) *cobra.Command {
	var (
		kind    string
		id      string
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "emit <event>",
		Short: "Run every active workflow bound to an event and wait for the runs",
		Long: `emit starts one run per active workflow whose trigger_event matches, in
this process, and waits for them to finish before printing their summaries.
Use the operator API's POST /api/events to emit into a running server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			obj := schema.TriggeringObject{Kind: kind, ID: id}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &obj.Payload); err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "--payload must be a JSON object: %s", err.Error())
				}
			}

			ctx := cmd.Context()
			rt, err := a.buildRuntime(ctx)
			if err != nil {
				return err
			}
			ids, err := rt.dispatcher.Emit(ctx, args[0], obj)
			if err != nil {
				return err
			}

			// Stop drains the pool, so every run started above has ended
			// or been cancelled once it returns.
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := rt.dispatcher.Stop(waitCtx); err != nil {
				a.logger.WarnContext(ctx, "runs still open after timeout; resume them with serve", slog.String("error", err.Error()))
			}

			w := cmd.OutOrStdout()
			if len(ids) == 0 {
				if a.asJSON {
					return printJSON(w, []any{})
				}
				fmt.Fprintf(w, "no active workflow listens to %q\n", args[0])
				return nil
			}
			summaries := make([]*schema.RunSummary, 0, len(ids))
			for _, execID := range ids {
				s, err := rt.ledger.Summary(ctx, execID)
				if schema.IsNotFound(err) {
					continue // cancelled before its first log
				}
				if err != nil {
					return err
				}
				summaries = append(summaries, s)
			}
			if a.asJSON {
				return printJSON(w, summaries)
			}
			for _, s := range summaries {
				printSummary(w, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "cli", "Triggering object kind")
	cmd.Flags().StringVar(&id, "id", "", "Triggering object ID")
	cmd.Flags().StringVar(&payload, "payload", "", "Triggering object payload as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long to wait for the runs")
	return cmd
}
