package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/recurrence"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

func newScheduleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect schedules",
	}
	cmd.AddCommand(newScheduleListCommand(a), newScheduleStatusCommand(a))
	return cmd
}

func newScheduleListCommand(a *app) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules with their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			schedules, err := s.ListSchedules(cmd.Context(), store.ScheduleFilter{ActiveOnly: activeOnly})
			if err != nil {
				return err
			}
			eval := recurrence.NewEvaluator()
			now := time.Now()
			statuses := make([]*dispatcher.ScheduleStatus, len(schedules))
			for i, sc := range schedules {
				statuses[i] = dispatcher.StatusOf(eval, sc, now)
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), statuses)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tITEM\tRECURRENCE\tACTIVE\tNEXT RUN")
			for _, st := range statuses {
				sc := st.Schedule
				rec := sc.RecurrenceExpression
				if sc.IsOnetime {
					rec = "once"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%t\t%s\n",
					sc.ID, sc.Name, sc.Item.Kind, sc.Item.ID, rec, sc.IsActive, formatNext(st))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active schedules")
	return cmd
}

func newScheduleStatusCommand(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "status <schedule-id>",
		Short: "Show whether a schedule is due and when it fires next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "--at must be RFC3339: %s", err.Error())
				}
				asOf = t
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			sc, err := s.GetSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st := dispatcher.StatusOf(recurrence.NewEvaluator(), sc, asOf)
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "schedule %s (%s)\n", sc.ID, sc.Name)
			fmt.Fprintf(w, "  as of    %s\n", st.AsOf.Format(time.RFC3339))
			fmt.Fprintf(w, "  due      %t\n", st.Due)
			fmt.Fprintf(w, "  next run %s\n", formatNext(st))
			if sc.LastRunAt != nil {
				fmt.Fprintf(w, "  last run %s\n", sc.LastRunAt.UTC().Format(time.RFC3339))
			}
			if st.Error != "" {
				fmt.Fprintf(w, "  error    %s\n", st.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluate at this RFC3339 instant instead of now")
	return cmd
}

func formatNext(st *dispatcher.ScheduleStatus) string {
	if st.NextRunAt == nil {
		return "-"
	}
	return st.NextRunAt.UTC().Format(time.RFC3339)
}
