package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
	"github.com/go-playground/validator/v10"

	"github.com/aristath/runbook/internal/gate"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Registry holds the ordered task declarations of one workflow.
// It is immutable once built; accessors return copies.
type Registry struct {
	tasks []TaskDescriptor
	index map[string]int
}

// NewRegistry validates descs and orders them by Order. Equal Order values keep
// their declaration sequence.
func NewRegistry(descs ...TaskDescriptor) (*Registry, error) {
	var problems []string

	if len(descs) == 0 {
		problems = append(problems, "at least one task must be declared")
	}

	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		label := d.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		problems = append(problems, structProblems(label, d)...)

		if d.Name != "" {
			if seen[d.Name] {
				problems = append(problems, fmt.Sprintf("duplicate task name %q", d.Name))
			}
			seen[d.Name] = true
		}

		problems = append(problems, kindProblems(label, d)...)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	tasks := make([]TaskDescriptor, len(descs))
	for i, d := range descs {
		tasks[i] = cloneDescriptor(d)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Order < tasks[j].Order
	})

	r := &Registry{
		tasks: tasks,
		index: make(map[string]int, len(tasks)),
	}
	for i, t := range tasks {
		r.index[t.Name] = i
	}

	if problems := r.requirementProblems(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return r, nil
}

// structProblems runs the tag-based rules.
func structProblems(label string, d TaskDescriptor) []string {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("task %s: %v", label, err)}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("task %s: field %s fails %q", label, fe.Namespace(), fe.Tag()))
	}
	return problems
}

// kindProblems checks the per-kind required parameters.
func kindProblems(label string, d TaskDescriptor) []string {
	var problems []string

	switch d.Kind {
	case KindNormal:
		if d.Body == nil {
			problems = append(problems, fmt.Sprintf("task %s: normal task has no body", label))
		}
		if d.Gate != nil {
			problems = append(problems, fmt.Sprintf("task %s: normal task must not carry gate parameters", label))
		}
	case KindApprovalGate:
		if d.Gate == nil {
			problems = append(problems, fmt.Sprintf("task %s: approval gate is missing its parameters", label))
			break
		}
		if d.Body != nil {
			problems = append(problems, fmt.Sprintf("task %s: approval gate must not have a body", label))
		}
		if d.Gate.TimeoutMinutes > 0 && d.Gate.DefaultTimeoutAction == gate.ActionUnset {
			problems = append(problems, fmt.Sprintf("task %s: approval gate with a timeout needs a default timeout action", label))
		}
		if d.Retry.MaxAttempts > 1 {
			problems = append(problems, fmt.Sprintf("task %s: approval gates cannot be retried", label))
		}
	}

	return problems
}

// requirementProblems verifies Requires: every name exists, there is no
// cycle, and each required task runs strictly earlier.
func (r *Registry) requirementProblems() []string {
	var problems []string
	var edges []toposort.Edge

	for i, t := range r.tasks {
		if len(t.Requires) == 0 {
			edges = append(edges, toposort.Edge{nil, t.Name})
			continue
		}
		for _, req := range t.Requires {
			j, ok := r.index[req]
			if !ok {
				problems = append(problems, fmt.Sprintf("task %s requires unknown task %q", t.Name, req))
				continue
			}
			if j >= i {
				problems = append(problems, fmt.Sprintf("task %s requires %q, which is not ordered before it", t.Name, req))
			}
			edges = append(edges, toposort.Edge{req, t.Name})
		}
	}

	if len(problems) > 0 {
		return problems
	}

	if _, err := toposort.Toposort(edges); err != nil {
		problems = append(problems, fmt.Sprintf("task requirements contain a cycle: %v", err))
	}
	return problems
}

// Len returns the number of tasks.
func (r *Registry) Len() int {
	return len(r.tasks)
}

// Tasks returns the descriptors in execution order.
func (r *Registry) Tasks() []TaskDescriptor {
	out := make([]TaskDescriptor, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = cloneDescriptor(t)
	}
	return out
}

// At returns the descriptor at position i.
func (r *Registry) At(i int) (TaskDescriptor, bool) {
	if i < 0 || i >= len(r.tasks) {
		return TaskDescriptor{}, false
	}
	return cloneDescriptor(r.tasks[i]), true
}

// Get returns the descriptor with the given name.
func (r *Registry) Get(name string) (TaskDescriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return TaskDescriptor{}, false
	}
	return cloneDescriptor(r.tasks[i]), true
}

// Index returns the position of name, or -1.
func (r *Registry) Index(name string) int {
	if i, ok := r.index[name]; ok {
		return i
	}
	return -1
}

// Names returns task names in execution order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Name
	}
	return names
}

// String renders the order for logs.
func (r *Registry) String() string {
	return strings.Join(r.Names(), " -> ")
}
