// Package tui is the interactive progress view. It only sees renderable
// descriptors and bus events, and hands approval decisions back through a
// Decider.
package tui

import (
	"fmt"
	"log/slog"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
)

// Decider receives the operator's answers.
type Decider interface {
	Decide(task string, d gate.Decision) error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	title    string
	tasks    TaskPaneModel
	progress ProgressPaneModel
	form     *ApprovalFormModel
	pending  []gate.Request
	decider  Decider
	eventSub <-chan events.Event
	spinner  spinner.Model
	help     help.Model
	logger   *slog.Logger
	width    int
	height   int
	quitting bool
	finished *events.WorkflowFinishedEvent
	suspend  *events.WorkflowSuspendedEvent
	notice   string
}

// New creates the model and subscribes to every topic of bus.
func New(bus *events.EventBus, title string, descs []RenderableDescriptor, decider Decider, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		title:    title,
		tasks:    NewTaskPaneModel(descs),
		progress: NewProgressPaneModel(len(descs)),
		decider:  decider,
		eventSub: bus.SubscribeAll(1024),
		spinner:  s,
		help:     help.New(),
		logger:   logger,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.eventSub))
}

// busClosedMsg is delivered once the event bus closes.
type busClosedMsg struct{}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		// The approval form is modal.
		if m.form != nil {
			cmds = append(cmds, m.form.Update(msg))
			if m.form.Done() {
				m.closeForm()
			}
			return m, tea.Batch(cmds...)
		}

		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, keys.Approve):
			cmds = append(cmds, m.openForm())
		default:
			var cmd tea.Cmd
			m.tasks, cmd = m.tasks.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.computeLayout()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskProgressEvent, events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.ApprovalRequestedEvent:
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		m.pending = append(m.pending, msg.Request)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))
		if m.form == nil {
			cmds = append(cmds, m.openForm())
		}

	case events.ApprovalDecidedEvent:
		m.dropPending(msg.Name)
		if m.form != nil && m.form.Task() == msg.Name {
			m.form = nil
			if msg.Decision.TimedOut {
				m.notice = fmt.Sprintf("%s timed out: %s", msg.Name, msg.Decision.Action)
			}
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.WorkflowProgressEvent:
		m.progress, _ = m.progress.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.WorkflowSuspendedEvent:
		m.suspend = &msg
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.WorkflowFinishedEvent:
		m.finished = &msg
		m.form = nil
		m.pending = nil
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) openForm() tea.Cmd {
	if m.form != nil || len(m.pending) == 0 {
		return nil
	}
	m.notice = ""
	m.form = NewApprovalFormModel(m.pending[0])
	m.form.SetWidth(m.width)
	return m.form.Init()
}

func (m *Model) closeForm() {
	form := m.form
	m.form = nil
	d, ok := form.Decision()
	if !ok {
		m.notice = fmt.Sprintf("%s is still waiting; press a to answer", form.Task())
		return
	}
	if err := m.decider.Decide(form.Task(), d); err != nil {
		m.logger.Warn("approval not delivered", "task", form.Task(), "error", err)
		m.notice = fmt.Sprintf("decision for %s not delivered: %v", form.Task(), err)
		return
	}
	m.dropPending(form.Task())
}

func (m *Model) dropPending(task string) {
	for i, req := range m.pending {
		if req.Task == task {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.form != nil {
		return lipgloss.JoinVertical(lipgloss.Left, m.header(), m.form.View())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.tasks.View(),
		m.progress.View(),
		m.help.View(keys),
	)
}

func (m Model) header() string {
	banner := StyleBanner.Render(m.title)
	var status string
	switch {
	case m.finished != nil:
		status = fmt.Sprintf("workflow %s", m.finished.Status)
		if m.finished.Reason != "" {
			status += ": " + m.finished.Reason
		}
		status += "  (q to exit)"
	case m.suspend != nil:
		status = fmt.Sprintf("suspended at %s: %s  (state saved, q to exit)", m.suspend.Task, m.suspend.Reason)
	case len(m.pending) > 0:
		status = StyleStatusWaiting.Render(fmt.Sprintf("%d approval(s) waiting", len(m.pending)))
	default:
		status = m.spinner.View() + " running"
	}
	if m.notice != "" {
		status += "  " + StyleLineWarn.Render(m.notice)
	}
	return lipgloss.JoinHorizontal(lipgloss.Center, banner, " ", status)
}

// computeLayout gives the task pane everything above the progress pane.
func (m *Model) computeLayout() {
	const headerHeight, progressHeight, helpHeight = 1, 5, 1
	m.tasks.SetSize(m.width, max(8, m.height-headerHeight-progressHeight-helpHeight))
	m.progress.SetSize(m.width, progressHeight)
	if m.form != nil {
		m.form.SetWidth(m.width)
	}
}

// Tasks exposes the task pane state.
func (m Model) Tasks() TaskPaneModel { return m.tasks }

// Pending lists the approvals still waiting on the operator.
func (m Model) Pending() []gate.Request { return append([]gate.Request(nil), m.pending...) }

// Finished returns the terminal workflow event, if one arrived.
func (m Model) Finished() (events.WorkflowFinishedEvent, bool) {
	if m.finished == nil {
		return events.WorkflowFinishedEvent{}, false
	}
	return *m.finished, true
}
