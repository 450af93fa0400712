package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
)

// approvals is the part of *gate.Controller the prompt needs.
type approvals interface {
	Requests() <-chan gate.Request
	Decide(task string, d gate.Decision) error
}

// promptApprovals asks on out for a decision on every announced gate, reading
// answers from in, until ctx is done.
func promptApprovals(ctx context.Context, gates approvals, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p := &prompter{lines: lines, out: out}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-gates.Requests():
			d, ok := p.ask(ctx, req)
			if !ok {
				if p.eof {
					fmt.Fprintf(out, "input closed; %s waits for its timeout or another decider\n", req.Task)
				}
				continue
			}
			if err := gates.Decide(req.Task, d); err != nil {
				if errors.Is(err, gate.ErrNoPendingApproval) {
					fmt.Fprintf(out, "%s was already decided\n", req.Task)
					continue
				}
				fmt.Fprintf(out, "decision for %s rejected: %v\n", req.Task, err)
			}
		}
	}
}

type prompter struct {
	lines <-chan string
	out   io.Writer
	eof   bool
}

func (p *prompter) readLine(ctx context.Context) (string, bool) {
	if p.eof {
		return "", false
	}
	select {
	case line, ok := <-p.lines:
		if !ok {
			p.eof = true
			return "", false
		}
		return strings.TrimSpace(line), true
	case <-ctx.Done():
		return "", false
	}
}

func (p *prompter) ask(ctx context.Context, req gate.Request) (gate.Decision, bool) {
	approve, reject := req.Params.Labels()

	fmt.Fprintf(p.out, "\n=== Approval required: %s ===\n%s\n", req.Title, req.Params.Message)
	if req.Params.TimeoutMinutes > 0 {
		deadline := req.RequestedAt.Add(time.Duration(req.Params.TimeoutMinutes) * time.Minute)
		fmt.Fprintf(p.out, "(defaults to %s at %s)\n", strings.ToLower(req.Params.DefaultTimeoutAction.String()), deadline.Format(time.Kitchen))
	}

	var action gate.Action
	for action == gate.ActionUnset {
		fmt.Fprintf(p.out, "[a] %s  [r] %s > ", approve, reject)
		line, ok := p.readLine(ctx)
		if !ok {
			return gate.Decision{}, false
		}
		action = parseAnswer(line, approve, reject)
	}

	var reason string
	for {
		if req.Params.ReasonRequired {
			fmt.Fprint(p.out, "Reason: ")
		} else {
			fmt.Fprint(p.out, "Reason (optional): ")
		}
		line, ok := p.readLine(ctx)
		if !ok {
			return gate.Decision{}, false
		}
		reason = line
		if reason != "" || !req.Params.ReasonRequired {
			break
		}
	}

	return gate.Decision{Action: action, Reason: reason, DecidedBy: "terminal"}, true
}

// parseAnswer accepts a/r, approve/reject, or the gate's own labels.
func parseAnswer(line, approveLabel, rejectLabel string) gate.Action {
	switch s := strings.ToLower(line); {
	case s == "a" || strings.EqualFold(line, approveLabel):
		return gate.ActionApprove
	case s == "r" || strings.EqualFold(line, rejectLabel):
		return gate.ActionReject
	default:
		action, err := gate.ParseAction(s)
		if err != nil {
			return gate.ActionUnset
		}
		return action
	}
}

// printProgress writes bus events as plain text until sub is closed.
func printProgress(sub <-chan events.Event, w io.Writer) {
	for ev := range sub {
		switch ev := ev.(type) {
		case events.TaskStartedEvent:
			if ev.Attempt > 1 {
				fmt.Fprintf(w, "==> %s (attempt %d)\n", ev.Title, ev.Attempt)
			} else {
				fmt.Fprintf(w, "==> %s\n", ev.Title)
			}
		case events.TaskOutputEvent:
			if ev.Line.Level == sandbox.LevelInfo {
				fmt.Fprintf(w, "    %s\n", ev.Line.Text)
			} else {
				fmt.Fprintf(w, "    %s %s\n", ev.Line.Level, ev.Line.Text)
			}
		case events.TaskFinishedEvent:
			switch {
			case ev.PreCompleted:
				fmt.Fprintf(w, "--- %s: %s before restart\n", ev.Name, ev.Status)
			case ev.Error != "":
				fmt.Fprintf(w, "<== %s: %s (%s)\n", ev.Name, ev.Status, ev.Error)
			default:
				fmt.Fprintf(w, "<== %s: %s in %s\n", ev.Name, ev.Status, ev.Duration.Round(time.Millisecond))
			}
		case events.ApprovalDecidedEvent:
			fmt.Fprintf(w, "    %s by %s\n", ev.Decision.Action, ev.Decision.DecidedBy)
		}
	}
}
