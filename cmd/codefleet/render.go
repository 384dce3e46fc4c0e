package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codefleet/codefleet/internal/autopilot"
	"github.com/codefleet/codefleet/internal/graph"
	"github.com/codefleet/codefleet/internal/scheduler"
	"github.com/codefleet/codefleet/internal/tasksource"
)

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	stylePassed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleReview = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleDim = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func renderReport(report scheduler.Report, tasks []*graph.Task) string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Run summary"))
	b.WriteString("\n")

	summary := fmt.Sprintf("%s passed  %s failed  %s need review  (%d tasks, %.0f%% complete)",
		stylePassed.Render(fmt.Sprintf("%d", report.Completed)),
		styleFailed.Render(fmt.Sprintf("%d", report.Failed)),
		styleReview.Render(fmt.Sprintf("%d", report.NeedsReview)),
		report.TotalTasks,
		report.CompletionRate*100,
	)
	b.WriteString(summary)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("duration %s, estimated sequential %s, speedup %.2fx, final workers %d\n",
		report.Duration.Round(time.Second),
		report.SequentialEstimate.Round(time.Second),
		report.Speedup,
		report.FinalWorkers,
	))

	for _, lr := range report.Levels {
		line := fmt.Sprintf("level %d: tasks %v, workers %d, %d passed, %d failed, %d review, %s",
			lr.Level, lr.TaskIDs, lr.Workers, lr.Passed, lr.Failed, lr.NeedsReview,
			lr.Duration.Round(time.Millisecond))
		b.WriteString(styleDim.Render(line))
		b.WriteString("\n")
	}

	var review, failed []string
	for _, task := range tasks {
		switch task.Status {
		case graph.TaskNeedsReview:
			review = append(review, fmt.Sprintf("task %d: %s\n  workspace: %s", task.ID, task.Error, task.WorkspaceRef))
		case graph.TaskFailed:
			line := fmt.Sprintf("task %d: %s", task.ID, task.Error)
			if task.WorkspaceRef != "" {
				line += fmt.Sprintf("\n  workspace: %s", task.WorkspaceRef)
			}
			failed = append(failed, line)
		}
	}
	if len(review) > 0 {
		b.WriteString(styleBox.Render("Needs review\n" + strings.Join(review, "\n")))
		b.WriteString("\n")
	}
	if len(failed) > 0 {
		b.WriteString(styleBox.Render("Failed\n" + strings.Join(failed, "\n")))
		b.WriteString("\n")
	}

	return b.String()
}

func renderSelection(outcome autopilot.Outcome) string {
	var b strings.Builder
	sel := outcome.Selection

	b.WriteString(styleTitle.Render("Best-of-N selection"))
	b.WriteString("\n")

	for _, a := range sel.Ranked {
		marker := " "
		if a.AttemptID == sel.Winner.AttemptID {
			marker = stylePassed.Render("*")
		}
		b.WriteString(fmt.Sprintf("%s #%d attempt %d  score %.3f  coverage %.0f%%  pass %d/%d  %s\n",
			marker, a.Rank, a.AttemptID, a.TotalScore, a.TestCoverage*100,
			a.TestsPassed, a.TestsTotal, a.ExecutionTime.Round(time.Second)))
	}

	consensus := fmt.Sprintf("consensus: agreement %.2f", sel.Consensus.AgreementScore)
	if sel.Consensus.HasConsensus {
		b.WriteString(stylePassed.Render(consensus))
	} else {
		b.WriteString(styleReview.Render(consensus + " (below threshold)"))
	}
	b.WriteString("\n")
	if len(sel.Consensus.OutlierIDs) > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("outliers: %v", sel.Consensus.OutlierIDs)))
		b.WriteString("\n")
	}

	switch {
	case outcome.Selection.NeedsHumanReview:
		b.WriteString(styleReview.Render("parked for human review; candidate workspaces preserved"))
	case outcome.MergedRef != "":
		b.WriteString(fmt.Sprintf("merged %s, deploy status %s", outcome.MergedRef, outcome.Deploy))
	}
	b.WriteString("\n")

	return b.String()
}

func renderStatus(tasks []graph.Task, runs []tasksource.RunRecord) string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Tasks"))
	b.WriteString("\n")
	if len(tasks) == 0 {
		b.WriteString(styleDim.Render("no tasks"))
		b.WriteString("\n")
	}
	for _, task := range tasks {
		var status string
		switch task.Status {
		case graph.TaskPassed:
			status = stylePassed.Render(task.Status.String())
		case graph.TaskFailed:
			status = styleFailed.Render(task.Status.String())
		case graph.TaskNeedsReview:
			status = styleReview.Render(task.Status.String())
		default:
			status = styleDim.Render(task.Status.String())
		}
		b.WriteString(fmt.Sprintf("%4d  %-12s  %s\n", task.ID, status, task.Description))
	}

	if len(runs) > 0 {
		b.WriteString(styleTitle.Render("Recent runs"))
		b.WriteString("\n")
		for _, r := range runs {
			b.WriteString(fmt.Sprintf("%s  %d/%d completed, %d failed, %.2fx speedup\n",
				r.StartedAt.Format("2006-01-02 15:04"), r.Completed, r.TotalTasks, r.Failed, r.Speedup))
		}
	}

	return b.String()
}
