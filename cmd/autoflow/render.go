package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/autoflow/pkg/schema"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#606060", Dark: "#A0A0A0"})
)

// statusText colors a log or run status. Colors are dropped when the
// output is not a terminal.
func statusText(status string) string {
	switch status {
	case string(schema.LogStatusSuccess), string(schema.RunStatusCompleted):
		return styleOK.Render(status)
	// Run and log statuses share "failed" and "running".
	case string(schema.LogStatusFailed):
		return styleFailed.Render(status)
	case string(schema.LogStatusRunning), string(schema.LogStatusPending):
		return styleRunning.Render(status)
	default:
		return styleMuted.Render(status)
	}
}

func printSummary(w io.Writer, s *schema.RunSummary) {
	fmt.Fprintf(w, "execution %s  workflow %s  %s\n", s.ExecutionID, s.WorkflowID, statusText(string(s.Status)))
	fmt.Fprintf(w, "  started %s  %dms  attempts %d  tokens %d  cost %.4f\n",
		s.StartedAt.Format("2006-01-02 15:04:05Z07:00"), s.DurationMs, s.Attempts, s.TokenUsage.Total, s.Cost)
}

// printTree writes one line per log, children indented under their parent.
func printTree(w io.Writer, node *schema.LogNode, depth int) {
	if node == nil || node.Log == nil {
		return
	}
	l := node.Log
	label := "trigger"
	if l.StepID != "" {
		label = "step " + l.StepID
	}
	line := fmt.Sprintf("%s%s #%d %s", strings.Repeat("  ", depth), label, l.ID, statusText(string(l.Status)))
	if l.Attempt > 1 {
		line += fmt.Sprintf(" attempt %d", l.Attempt)
	}
	if l.Branch != schema.BranchNone {
		line += " branch=" + string(l.Branch)
	}
	if l.DurationMs > 0 {
		line += styleMuted.Render(fmt.Sprintf(" %dms", l.DurationMs))
	}
	if l.ErrorMessage != "" {
		line += " " + styleFailed.Render(l.ErrorMessage)
	}
	fmt.Fprintln(w, line)
	for _, c := range node.Children {
		printTree(w, c, depth+1)
	}
}
