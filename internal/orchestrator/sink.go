package orchestrator

import (
	"sync"

	"github.com/aristath/runbook/internal/events"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
)

// taskSink records what a running body reports into the runtime and forwards
// it to the event bus. Once close returns, writes from an abandoned body are
// dropped.
type taskSink struct {
	r     *Runner
	name  string
	state *scheduler.TaskRuntimeState

	// mu is held across each write so close waits for one in flight.
	mu     sync.Mutex
	closed bool
}

func (s *taskSink) Output(line sandbox.OutputLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.r.appendOutput(s.name, s.state, line)
}

func (s *taskSink) Progress(percent int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.r.mu.Lock()
	accepted := s.state.SetProgress(percent, message)
	progress := s.state.Progress
	s.r.mu.Unlock()

	if !accepted {
		return
	}
	s.r.publish(events.TopicTask, events.TaskProgressEvent{
		Name:      s.name,
		Percent:   progress,
		Message:   message,
		Timestamp: s.r.now(),
	})
}

func (s *taskSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
