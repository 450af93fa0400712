// Package manifest reads YAML runbooks and turns them into task descriptors.
//
// A manifest looks like:
//
//	workflow: db-maintenance
//	title: Nightly database maintenance
//	tasks:
//	  - name: backup
//	    run: [pg_dump, -f, /var/backups/db.sql]
//	    retry: {attempts: 3, interval: 10s}
//	  - name: confirm
//	    approval:
//	      message: Apply the schema migration?
//	      reason_required: true
//	      timeout_minutes: 30
//	      on_timeout: reject
//	  - name: migrate
//	    shell: ./migrate.sh && echo '::suspend kernel update'
//	    requires: [backup]
//	    on_failure: continue
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manifest is the on-disk form of a workflow.
type Manifest struct {
	Workflow string `yaml:"workflow" validate:"required,max=128"`
	Title    string `yaml:"title,omitempty"`
	Tasks    []Task `yaml:"tasks" validate:"required,min=1,dive"`
}

// Task is one entry of the tasks list. Exactly one of Run, Shell or Approval
// must be set.
type Task struct {
	Name      string            `yaml:"name" validate:"required"`
	Title     string            `yaml:"title,omitempty"`
	Order     int               `yaml:"order,omitempty"`
	Run       []string          `yaml:"run,omitempty" validate:"omitempty,min=1,dive,required"`
	Shell     string            `yaml:"shell,omitempty"`
	Dir       string            `yaml:"dir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	OnFailure string            `yaml:"on_failure,omitempty" validate:"omitempty,oneof=abort continue"`
	Retry     *Retry            `yaml:"retry,omitempty"`
	Requires  []string          `yaml:"requires,omitempty"`
	Approval  *Approval         `yaml:"approval,omitempty"`
}

// Retry bounds re-execution of a failing command.
type Retry struct {
	Attempts int    `yaml:"attempts" validate:"gte=1,lte=20"`
	Interval string `yaml:"interval,omitempty"` // Go duration, e.g. "5s"
}

// Approval declares an approval gate.
type Approval struct {
	Message        string `yaml:"message" validate:"required"`
	ApproveLabel   string `yaml:"approve_label,omitempty"`
	RejectLabel    string `yaml:"reject_label,omitempty"`
	ReasonRequired bool   `yaml:"reason_required,omitempty"`
	TimeoutMinutes int    `yaml:"timeout_minutes,omitempty" validate:"gte=0"`
	OnTimeout      string `yaml:"on_timeout,omitempty" validate:"omitempty,oneof=approve reject"`
}

// Error lists every problem found in a manifest.
type Error struct {
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return parse(path, data)
}

// Parse decodes and validates a manifest held in memory.
func Parse(data []byte) (*Manifest, error) {
	return parse("<input>", data)
}

func parse(source string, data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &Error{Source: source, Problems: []string{"empty document"}}
		}
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}
	if problems := m.problems(); len(problems) > 0 {
		return nil, &Error{Source: source, Problems: problems}
	}
	return &m, nil
}

func (m *Manifest) problems() []string {
	var problems []string

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
		}
	}

	for i, t := range m.Tasks {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		kinds := 0
		if len(t.Run) > 0 {
			kinds++
		}
		if t.Shell != "" {
			kinds++
		}
		if t.Approval != nil {
			kinds++
		}
		if kinds != 1 {
			problems = append(problems, fmt.Sprintf("task %s: exactly one of run, shell or approval is required", label))
		}
		if t.Approval != nil && (t.Dir != "" || len(t.Env) > 0 || t.Retry != nil) {
			problems = append(problems, fmt.Sprintf("task %s: approval gates take no dir, env or retry", label))
		}
		if t.Approval != nil && t.Approval.TimeoutMinutes > 0 && t.Approval.OnTimeout == "" {
			problems = append(problems, fmt.Sprintf("task %s: approval with a timeout needs on_timeout", label))
		}
		if t.Retry != nil && t.Retry.Interval != "" {
			if _, err := time.ParseDuration(t.Retry.Interval); err != nil {
				problems = append(problems, fmt.Sprintf("task %s: retry interval: %v", label, err))
			}
		}
	}
	return problems
}

// Descriptors converts the manifest into task descriptors. Commands are
// tracked by pm when it is non-nil.
func (m *Manifest) Descriptors(pm *sandbox.ProcessManager) ([]scheduler.TaskDescriptor, error) {
	descs := make([]scheduler.TaskDescriptor, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		d, err := t.descriptor(pm)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Name, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Registry builds the validated, ordered registry for the manifest.
func (m *Manifest) Registry(pm *sandbox.ProcessManager) (*scheduler.Registry, error) {
	descs, err := m.Descriptors(pm)
	if err != nil {
		return nil, err
	}
	return scheduler.NewRegistry(descs...)
}

func (t Task) descriptor(pm *sandbox.ProcessManager) (scheduler.TaskDescriptor, error) {
	policy, err := scheduler.ParseFailurePolicy(t.OnFailure)
	if err != nil {
		return scheduler.TaskDescriptor{}, err
	}
	d := scheduler.TaskDescriptor{
		Name:          t.Name,
		Title:         t.Title,
		Order:         t.Order,
		FailurePolicy: policy,
		Requires:      slices.Clone(t.Requires),
	}

	if t.Approval != nil {
		params, err := t.Approval.params()
		if err != nil {
			return scheduler.TaskDescriptor{}, err
		}
		d.Kind = scheduler.KindApprovalGate
		d.Gate = &params
		return d, nil
	}

	if t.Retry != nil {
		d.Retry.MaxAttempts = t.Retry.Attempts
		if t.Retry.Interval != "" {
			interval, err := time.ParseDuration(t.Retry.Interval)
			if err != nil {
				return scheduler.TaskDescriptor{}, fmt.Errorf("retry interval: %w", err)
			}
			d.Retry.InitialInterval = interval
		}
	}

	cmd := sandbox.Command{Dir: t.Dir, Manager: pm}
	if len(t.Run) > 0 {
		cmd.Name, cmd.Args = t.Run[0], slices.Clone(t.Run[1:])
	} else {
		cmd.Name, cmd.Args = "/bin/sh", []string{"-c", t.Shell}
	}
	for _, k := range slices.Sorted(maps.Keys(t.Env)) {
		cmd.Env = append(cmd.Env, k+"="+t.Env[k])
	}
	d.Body = cmd.Body()
	return d, nil
}

func (a Approval) params() (gate.Params, error) {
	p := gate.Params{
		Message:        a.Message,
		ApproveLabel:   a.ApproveLabel,
		RejectLabel:    a.RejectLabel,
		ReasonRequired: a.ReasonRequired,
		TimeoutMinutes: a.TimeoutMinutes,
	}
	if a.OnTimeout != "" {
		action, err := gate.ParseAction(a.OnTimeout)
		if err != nil {
			return gate.Params{}, err
		}
		p.DefaultTimeoutAction = action
	}
	return p, nil
}
