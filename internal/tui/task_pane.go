package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/sandbox"
)

const listWidth = 28

// TaskState is what the view knows about one task.
type TaskState struct {
	Desc      RenderableDescriptor
	Status    string
	Attempt   int
	Percent   int
	Message   string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the task list next to the selected task's output.
type TaskPaneModel struct {
	tasks       []*TaskState
	byName      map[string]*TaskState
	selectedIdx int
	follow      bool // Selection tracks the running task until the user moves it
	viewport    viewport.Model
	width       int
	height      int
	updateTag   int
}

// NewTaskPaneModel lists descs in execution order, all NotStarted.
func NewTaskPaneModel(descs []RenderableDescriptor) TaskPaneModel {
	m := TaskPaneModel{
		byName:   make(map[string]*TaskState, len(descs)),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
	for _, d := range descs {
		ts := &TaskState{Desc: d, Status: "NotStarted"}
		m.tasks = append(m.tasks, ts)
		m.byName[d.Name] = ts
	}
	return m
}

type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.tasks)-1 {
				m.selectedIdx++
				m.follow = false
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		if ts, ok := m.byName[msg.Name]; ok {
			ts.Status = "Running"
			ts.Attempt = msg.Attempt
			ts.StartTime = msg.Timestamp
			if msg.Attempt > 1 {
				ts.Output = append(ts.Output, StyleStatusPending.Render(fmt.Sprintf("-- attempt %d --", msg.Attempt)))
			}
			if m.follow {
				m.selectedIdx = m.indexOf(msg.Name)
			}
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		if ts, ok := m.byName[msg.Name]; ok {
			ts.Output = append(ts.Output, renderLine(msg.Line))
			if m.selectedName() == msg.Name {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskProgressEvent:
		if ts, ok := m.byName[msg.Name]; ok {
			ts.Percent = msg.Percent
			ts.Message = msg.Message
		}

	case events.ApprovalRequestedEvent:
		if ts, ok := m.byName[msg.Request.Task]; ok {
			ts.Status = "AwaitingApproval"
		}

	case events.TaskFinishedEvent:
		if ts, ok := m.byName[msg.Name]; ok {
			ts.Status = msg.Status
			ts.Duration = msg.Duration
			switch {
			case msg.PreCompleted:
				ts.Percent = 100
				ts.Output = append(ts.Output, StyleStatusPending.Render("[completed before restart]"))
			case msg.Error != "":
				ts.Output = append(ts.Output, StyleLineError.Render(fmt.Sprintf("[%s: %s]", msg.Status, msg.Error)))
			case msg.Status == "Completed":
				ts.Percent = 100
				ts.Output = append(ts.Output, fmt.Sprintf("[Completed in %v]", msg.Duration.Round(time.Millisecond)))
			}
			if m.selectedName() == msg.Name {
				m.updateViewportContent()
			}
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func renderLine(l sandbox.OutputLine) string {
	switch l.Level {
	case sandbox.LevelWarn:
		return StyleLineWarn.Render(l.Text)
	case sandbox.LevelError:
		return StyleLineError.Render(l.Text)
	default:
		return l.Text
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return StyleFocusedBorder.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	for i, ts := range m.tasks {
		name := ts.Desc.Title
		if len(name) > listWidth-6 {
			name = name[:listWidth-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(ts.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task status name.
func StatusIcon(status string) string {
	switch status {
	case "Running":
		return StyleStatusRunning.Render("●")
	case "Completed":
		return StyleStatusComplete.Render("✓")
	case "Failed":
		return StyleStatusFailed.Render("✗")
	case "Skipped":
		return StyleStatusPending.Render("↷")
	case "AwaitingApproval":
		return StyleStatusWaiting.Render("?")
	case "PendingReboot":
		return StyleStatusWaiting.Render("⟳")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the state of the named task.
func (m TaskPaneModel) Task(name string) (TaskState, bool) {
	ts, ok := m.byName[name]
	if !ok {
		return TaskState{}, false
	}
	return *ts, true
}

func (m TaskPaneModel) indexOf(name string) int {
	for i, ts := range m.tasks {
		if ts.Desc.Name == name {
			return i
		}
	}
	return m.selectedIdx
}

func (m TaskPaneModel) selectedName() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.tasks) {
		return m.tasks[m.selectedIdx].Desc.Name
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	name := m.selectedName()
	if name == "" {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	ts := m.byName[name]
	if len(ts.Output) == 0 {
		m.viewport.SetContent(StyleStatusPending.Render("No output yet."))
		return
	}
	m.viewport.SetContent(strings.Join(ts.Output, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-listWidth-4)
	m.viewport.Height = max(5, h-4)
	m.updateViewportContent()
}
