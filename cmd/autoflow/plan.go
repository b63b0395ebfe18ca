package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/pkg/schema"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		format      string
		executionID string
	)
	cmd := &cobra.Command{
		Use:   "plan <workflow-id>",
		Short: "Render a workflow's step plan as Mermaid or ASCII",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "mermaid" && format != "ascii" {
				return schema.NewErrorf(schema.ErrCodeValidation, "format must be mermaid or ascii, got %q", format)
			}
			ctx := cmd.Context()
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			wf, err := s.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			plan, err := graph.Build(wf)
			if err != nil {
				return err
			}
			var logs []*schema.ExecutionLog
			if executionID != "" {
				if logs, err = ledger.New(s, a.logger).Logs(ctx, executionID); err != nil {
					return err
				}
			}

			model := diagram.Build(plan, wf.Name, logs)
			out := diagram.RenderMermaid(model)
			if format == "ascii" {
				out = diagram.RenderASCII(model)
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{"workflow_id": wf.ID, "format": format, "diagram": out})
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "Output format: mermaid or ascii")
	cmd.Flags().StringVar(&executionID, "execution", "", "Overlay the step statuses of this execution")
	return cmd
}
