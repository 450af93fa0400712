package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/runbook/internal/events"
)

// ProgressPaneModel summarises the workflow's status counts.
type ProgressPaneModel struct {
	counts events.WorkflowProgressEvent
	bar    progress.Model
	width  int
	height int
}

// NewProgressPaneModel creates a progress pane for total tasks.
func NewProgressPaneModel(total int) ProgressPaneModel {
	return ProgressPaneModel{
		counts: events.WorkflowProgressEvent{Total: total, Pending: total},
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	if ev, ok := msg.(events.WorkflowProgressEvent); ok {
		m.counts = ev
	}
	return m, nil
}

// Fraction is the share of tasks that reached a terminal status.
func (m ProgressPaneModel) Fraction() float64 {
	c := m.counts
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed+c.Failed+c.Skipped) / float64(c.Total)
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	c := m.counts

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Progress"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s  %d/%d\n", m.bar.ViewAs(m.Fraction()), c.Completed+c.Failed+c.Skipped, c.Total)
	fmt.Fprintf(&b, "%s %s  %s %s  %s %s  %s %s  %s %s",
		StyleStatusComplete.Render("completed"), fmt.Sprint(c.Completed),
		StyleStatusFailed.Render("failed"), fmt.Sprint(c.Failed),
		StyleStatusPending.Render("skipped"), fmt.Sprint(c.Skipped),
		StyleStatusRunning.Render("running"), fmt.Sprint(c.Running+c.Waiting),
		StyleStatusPending.Render("pending"), fmt.Sprint(c.Pending),
	)

	return StyleUnfocusedBorder.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = min(max(10, w-16), 60)
}
