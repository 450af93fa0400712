package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/runbook/internal/gate"
)

// ApprovalFormModel asks the operator to decide one pending gate.
type ApprovalFormModel struct {
	form    *huh.Form
	req     gate.Request
	action  gate.Action
	reason  string
	width   int
	decided bool
	aborted bool
}

// NewApprovalFormModel builds the form for req.
func NewApprovalFormModel(req gate.Request) *ApprovalFormModel {
	m := &ApprovalFormModel{req: req, action: gate.ActionApprove}
	approve, reject := req.Params.Labels()

	desc := req.Params.Message
	if req.Params.TimeoutMinutes > 0 {
		deadline := req.RequestedAt.Add(time.Duration(req.Params.TimeoutMinutes) * time.Minute)
		desc += fmt.Sprintf("\n\nDefaults to %s at %s.", strings.ToLower(req.Params.DefaultTimeoutAction.String()), deadline.Format(time.Kitchen))
	}

	reasonTitle := "Reason (optional)"
	if req.Params.ReasonRequired {
		reasonTitle = "Reason"
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(req.Title).
				Description(desc),

			huh.NewSelect[gate.Action]().
				Key("action").
				Title("Decision").
				Options(
					huh.NewOption(approve, gate.ActionApprove),
					huh.NewOption(reject, gate.ActionReject),
				).
				Value(&m.action),

			huh.NewInput().
				Key("reason").
				Title(reasonTitle).
				Value(&m.reason).
				Validate(m.validateReason),
		),
	).WithShowHelp(true)

	return m
}

func (m *ApprovalFormModel) validateReason(s string) error {
	if m.req.Params.ReasonRequired && strings.TrimSpace(s) == "" {
		return errors.New("a reason is required")
	}
	return nil
}

// Init initialises the form.
func (m *ApprovalFormModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update forwards msg to the form. Esc leaves the gate pending.
func (m *ApprovalFormModel) Update(msg tea.Msg) tea.Cmd {
	if k, ok := msg.(tea.KeyMsg); ok && k.String() == "esc" {
		m.aborted = true
		return nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}
	switch m.form.State {
	case huh.StateCompleted:
		m.decided = true
	case huh.StateAborted:
		m.aborted = true
	}
	return cmd
}

// Task is the gate this form answers.
func (m *ApprovalFormModel) Task() string { return m.req.Task }

// Done reports whether the operator finished or dismissed the form.
func (m *ApprovalFormModel) Done() bool { return m.decided || m.aborted }

// Decision returns the operator's answer. ok is false when the form was dismissed.
func (m *ApprovalFormModel) Decision() (d gate.Decision, ok bool) {
	if !m.decided {
		return gate.Decision{}, false
	}
	return gate.Decision{
		Action:    m.action,
		Reason:    strings.TrimSpace(m.reason),
		DecidedBy: "tui",
	}, true
}

// View renders the form inside a border.
func (m *ApprovalFormModel) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("Approval required: " + m.req.Task)

	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(1, 2).
		Width(max(20, m.width-4)).
		Render(m.form.View())

	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SetWidth resizes the form.
func (m *ApprovalFormModel) SetWidth(w int) {
	m.width = w
	m.form = m.form.WithWidth(max(20, w-8))
}
