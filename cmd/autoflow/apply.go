package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/bundle"
	"github.com/rendis/autoflow/internal/recurrence"
	"github.com/rendis/autoflow/internal/validation"
)

func newApplyCommand(a *app) *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "apply -f <bundle.yaml>",
		Short: "Validate and save prompts, workflows and schedules from a YAML bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bundle.Load(file)
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			schemas, err := validation.NewSchemaValidator()
			if err != nil {
				return err
			}
			reg, err := a.actionRegistry(schemas, nil)
			if err != nil {
				return err
			}

			report, err := bundle.NewApplier(s, reg, recurrence.NewEvaluator(), a.logger).Apply(cmd.Context(), b, dryRun)
			if report != nil {
				if a.asJSON {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Bundle file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printReport(w io.Writer, r *bundle.Report) {
	if r.Issues != nil {
		for _, e := range r.Issues.Errors {
			fmt.Fprintf(w, "error   %s [%s]\n", e.String(), e.Code)
		}
		for _, e := range r.Issues.Warnings {
			fmt.Fprintf(w, "warning %s\n", e.String())
		}
		if !r.Issues.Valid() {
			return
		}
	}
	verb := "applied"
	if r.DryRun {
		verb = "would apply"
	}
	for _, p := range r.Prompts {
		fmt.Fprintf(w, "%s prompt %s\n", verb, p)
	}
	for _, id := range r.Workflows {
		fmt.Fprintf(w, "%s workflow %s\n", verb, id)
	}
	for _, id := range r.Schedules {
		fmt.Fprintf(w, "%s schedule %s\n", verb, id)
	}
}
