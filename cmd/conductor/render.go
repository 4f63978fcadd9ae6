package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/metrics"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	runStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func statusStyle(s graph.Status) lipgloss.Style {
	switch s {
	case graph.StatusCompleted:
		return okStyle
	case graph.StatusFailed:
		return errStyle
	case graph.StatusRunning:
		return runStyle
	case graph.StatusWaitingForApproval:
		return warnStyle
	default:
		return dimStyle
	}
}

func phaseStyle(p engine.Phase) lipgloss.Style {
	switch p {
	case engine.PhaseCompleted, engine.PhaseMaintenance:
		return okStyle
	case engine.PhaseFailed:
		return errStyle
	case engine.PhaseAwaitingInput, engine.PhaseReplanning:
		return warnStyle
	default:
		return runStyle
	}
}

// printSnapshot writes the workflow grouped by rank.
func printSnapshot(w io.Writer, snap *engine.Snapshot) {
	if snap.WorkflowID == "" {
		fmt.Fprintln(w, dimStyle.Render("No workflow."))
		return
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Workflow"), snap.WorkflowID)
	fmt.Fprintf(w, "  Goal:  %s\n", snap.Goal)
	fmt.Fprintf(w, "  Phase: %s\n", phaseStyle(snap.Phase).Render(string(snap.Phase)))
	if snap.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", errStyle.Render(snap.Error))
	}

	byRank := map[int][]graph.Step{}
	maxRank := 0
	for _, s := range snap.Steps {
		r := snap.Ranks[s.ID]
		byRank[r] = append(byRank[r], s)
		if r > maxRank {
			maxRank = r
		}
	}
	for r := 0; r <= maxRank; r++ {
		if len(byRank[r]) == 0 {
			continue
		}
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("  ── rank %d", r)))
		for _, s := range byRank[r] {
			agentID := snap.Overlays[s.ID].AgentID
			line := fmt.Sprintf("  %-28s %-12s %-22s %s", s.ID, s.ActionType, statusStyle(s.Status).Render(string(s.Status)), agentID)
			fmt.Fprintln(w, line)
			if s.Error != "" {
				style := errStyle
				if s.FailureKind == graph.FailureStalled {
					style = warnStyle
				}
				fmt.Fprintf(w, "      [%s] %s\n", s.FailureKind, style.Render(s.Error))
			}
		}
	}
	if len(snap.PendingApprovals) > 0 {
		fmt.Fprintf(w, "  Awaiting approval: %s\n", warnStyle.Render(strings.Join(snap.PendingApprovals, ", ")))
	}
	if len(snap.Artifacts) > 0 {
		fmt.Fprintf(w, "  Artifacts: %d\n", len(snap.Artifacts))
	}
}

// printEvent writes one timeline line.
func printEvent(w io.Writer, evt *event.Event) {
	style := dimStyle
	switch evt.Type {
	case event.StepCompleted, event.StepApproved, event.VerificationPassed, event.WorkflowCompleted, event.MaintenanceClean:
		style = okStyle
	case event.StepFailed, event.StepCascadeFailed, event.VerificationFailed, event.ReplanFailed, event.WorkflowFailed, event.MaintenanceFinding:
		style = errStyle
	case event.StepWaitingApproval, event.ReplanStarted, event.ReplanSpliced, event.StepRejected:
		style = warnStyle
	case event.StepStarted, event.Handoff, event.PhaseChanged:
		style = runStyle
	}
	parts := []string{dimStyle.Render(fmt.Sprintf("%5d", evt.Seq)), style.Render(fmt.Sprintf("%-24s", evt.Type))}
	if evt.StepID != "" {
		parts = append(parts, evt.StepID)
	}
	if evt.AgentID != "" {
		parts = append(parts, dimStyle.Render("@"+evt.AgentID))
	}
	if evt.Message != "" {
		parts = append(parts, evt.Message)
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}

// printMetrics writes per-agent metrics sorted by id.
func printMetrics(w io.Writer, agents map[string]metrics.AgentMetrics) {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%-14s %6s %10s %10s %8s", "AGENT", "STEPS", "CONFIDENCE", "PASS RATE", "TOKENS")))
	for _, id := range ids {
		m := agents[id]
		fmt.Fprintf(w, "%-14s %6d %10.2f %10.2f %8d\n", id, m.StepsCompleted, m.AverageConfidence, m.VerificationPassRate, m.TokensUsed)
	}
}
