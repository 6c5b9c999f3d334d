package domain

import (
	"errors"
	"strings"
	"time"
)

// Run is one reaction of a workflow to a trigger event.
type Run struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Event        TriggerEvent
	State        RunState
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkflowName) == "" {
		return errors.New("workflow name is required")
	}
	if err := r.Event.Validate(); err != nil {
		return err
	}
	if r.State == "" {
		return errors.New("run state is required")
	}
	return nil
}

// Param is one (axis, value) pair of a matrix binding.
type Param struct {
	Name  string
	Value string
}

// Binding is one concrete parameter assignment produced by matrix
// expansion, in axis declaration order. An empty binding denotes the single
// instance of an unmatrixed job.
type Binding []Param

// ID renders the binding as "axis=value,axis=value"; empty for the
// unmatrixed case.
func (b Binding) ID() string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, len(b))
	for i, p := range b {
		parts[i] = p.Name + "=" + p.Value
	}
	return strings.Join(parts, ",")
}

// Value returns the bound value for an axis name.
func (b Binding) Value(name string) (string, bool) {
	for _, p := range b {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Map returns the binding as a plain map for templating and gate checks.
func (b Binding) Map() map[string]string {
	out := make(map[string]string, len(b))
	for _, p := range b {
		out[p.Name] = p.Value
	}
	return out
}

// JobInstance is a job bound to one matrix binding. Instances of the same
// job succeed or fail independently of their siblings.
type JobInstance struct {
	ID         string
	RunID      string
	JobName    string
	Binding    Binding
	State      InstanceState
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Name renders "job (binding)" for logs and status reporting.
func (i JobInstance) Name() string {
	if id := i.Binding.ID(); id != "" {
		return i.JobName + " (" + id + ")"
	}
	return i.JobName
}

func (i JobInstance) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errors.New("instance id is required")
	}
	if strings.TrimSpace(i.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(i.JobName) == "" {
		return errors.New("job name is required")
	}
	if i.State == "" {
		return errors.New("instance state is required")
	}
	return nil
}

// StepExecution records one step of one instance. There is exactly one
// execution per declared step; nothing is retried.
type StepExecution struct {
	ID         string
	InstanceID string
	Index      int
	Name       string
	Status     StepStatus
	ExitCode   *int
	LogTail    string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (s StepExecution) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step execution id is required")
	}
	if strings.TrimSpace(s.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	if s.Index < 0 {
		return errors.New("step index must be >= 0")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if s.Status == "" {
		return errors.New("step status is required")
	}
	return nil
}
