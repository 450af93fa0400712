package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

// Control lines a command may print on stdout to talk to the runner.
const (
	directivePrefix   = "::"
	directiveProgress = "::progress "
	directiveResult   = "::result "
	directiveSuspend  = "::suspend"
)

// Command is a task body that runs an external program.
// Stdout lines become INFO output and stderr lines become WARN output, except
// for control lines on stdout:
//
//	::progress <percent> [message]
//	::result <name>=<value>
//	::suspend [reason]
//
// Carried-forward results are exported as RUNBOOK_INPUT_<NAME> variables.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Manager *ProcessManager // Optional; tracks the process for KillAll
}

// CommandBody returns a Body that runs name with args.
func CommandBody(name string, args ...string) Body {
	return Command{Name: name, Args: args}.Body()
}

// Body adapts the command to a task body.
func (c Command) Body() Body {
	return func(tc *TaskContext) error {
		return c.run(tc)
	}
}

func (c Command) run(tc *TaskContext) error {
	cmd := newCommand(tc.Context(), c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(cmd.Environ(), inputEnv(tc.Inputs())...)
	cmd.Env = append(cmd.Env, c.Env...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	if c.Manager != nil {
		c.Manager.Track(cmd)
		defer c.Manager.Untrack(cmd)
	}

	// Drain both pipes before Wait so a chatty child never fills a pipe buffer
	var wg sync.WaitGroup
	var suspendReason string
	var suspended bool
	var stdoutErr, stderrErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		suspendReason, suspended, stdoutErr = c.readStdout(tc, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		stderrErr = scanLines(stderrPipe, func(line string, _ bool) {
			tc.Log(LevelWarn, line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := tc.Context().Err(); ctxErr != nil {
			return fmt.Errorf("command interrupted: %w", ctxErr)
		}
		return fmt.Errorf("command %s failed: %w", c.Name, err)
	}
	if err := errors.Join(stdoutErr, stderrErr); err != nil {
		return fmt.Errorf("reading output of %s: %w", c.Name, err)
	}

	if suspended {
		return tc.RequestSuspend(suspendReason)
	}
	return nil
}

// readStdout forwards stdout lines and interprets control lines. Chunks of an
// overlong line are always plain output.
func (c Command) readStdout(tc *TaskContext, r io.Reader) (string, bool, error) {
	var reason string
	var suspended bool

	err := scanLines(r, func(line string, whole bool) {
		if !whole || !strings.HasPrefix(line, directivePrefix) {
			tc.Log(LevelInfo, line)
			return
		}

		switch {
		case strings.HasPrefix(line, directiveProgress):
			fields := strings.SplitN(strings.TrimPrefix(line, directiveProgress), " ", 2)
			percent, err := strconv.Atoi(fields[0])
			if err != nil {
				tc.Warn("ignoring malformed progress directive: %s", line)
				return
			}
			msg := ""
			if len(fields) == 2 {
				msg = fields[1]
			}
			if err := tc.SetProgress(percent, msg); err != nil {
				tc.Warn("ignoring progress update: %v", err)
			}
		case strings.HasPrefix(line, directiveResult):
			name, value, ok := strings.Cut(strings.TrimPrefix(line, directiveResult), "=")
			if !ok || name == "" {
				tc.Warn("ignoring malformed result directive: %s", line)
				return
			}
			tc.SetResult(name, value)
		case line == directiveSuspend || strings.HasPrefix(line, directiveSuspend+" "):
			suspended = true
			reason = strings.TrimSpace(strings.TrimPrefix(line, directiveSuspend))
		default:
			tc.Log(LevelInfo, line)
		}
	})

	return reason, suspended, err
}

// inputEnv turns results into environment entries, sorted by name.
func inputEnv(inputs map[string]string) []string {
	names := slices.Sorted(maps.Keys(inputs))
	env := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z':
				return r - 'a' + 'A'
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, name)
		env = append(env, "RUNBOOK_INPUT_"+key+"="+inputs[name])
	}
	return env
}

// maxLineBytes bounds one output line. Longer lines are delivered in chunks
// of at most this size, cut on a rune boundary where possible.
const maxLineBytes = 1024 * 1024

// scanLines calls fn for every line read from r until EOF. whole is false for
// the chunks of a line longer than maxLineBytes. A trailing "\r" is dropped.
func scanLines(r io.Reader, fn func(line string, whole bool)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	chunked := false

	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)

		switch {
		case err == nil:
			if tail := trimEOL(line); tail != "" || !chunked {
				fn(tail, !chunked)
			}
			line, chunked = line[:0], false
		case errors.Is(err, bufio.ErrBufferFull):
			for len(line) > maxLineBytes {
				cut := chunkEnd(line)
				fn(string(line[:cut]), false)
				line = append(line[:0], line[cut:]...)
				chunked = true
			}
		default:
			if len(line) > 0 {
				fn(trimEOL(line), !chunked)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Keep draining so the child never blocks on a full pipe
			_, _ = io.Copy(io.Discard, r)
			return err
		}
	}
}

func trimEOL(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return string(b)
}

// chunkEnd returns where to cut an overlong line, backing off up to three
// bytes so a multi-byte rune is not split.
func chunkEnd(b []byte) int {
	for cut := maxLineBytes; cut > maxLineBytes-utf8.UTFMax; cut-- {
		if utf8.RuneStart(b[cut]) {
			return cut
		}
	}
	return maxLineBytes
}

// newCommand creates an exec.Cmd in its own process group so that cancellation
// terminates the whole subprocess tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// killProcessGroup sends SIGKILL to the process group of cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running commands so the host can terminate them all
// on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a command after it exited.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
