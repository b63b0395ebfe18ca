package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/store"
)

func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs in the execution ledger",
	}
	cmd.AddCommand(newRunsListCommand(a), newRunsTreeCommand(a))
	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	var (
		workflowID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			roots, err := ledger.New(s, a.logger).ListRuns(cmd.Context(), store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
			if err != nil {
				return err
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), roots)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
			for _, r := range roots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\n",
					r.ExecutionID, r.WorkflowID, statusText(string(ledger.RunStatusOf(r.Status))),
					r.ExecutedAt.UTC().Format(time.RFC3339), r.DurationMs)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only runs of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func newRunsTreeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <execution-id>",
		Short: "Show a run's summary and its log tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			l := ledger.New(s, a.logger)
			summary, err := l.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			tree, err := l.Tree(ctx, args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{"summary": summary, "tree": tree})
			}
			printSummary(cmd.OutOrStdout(), summary)
			printTree(cmd.OutOrStdout(), tree, 1)
			return nil
		},
	}
}
