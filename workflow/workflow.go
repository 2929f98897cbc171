// Package workflow implements the dependency-graph workflow engine: acyclic
// step graphs validated at creation, wave-based concurrent execution of
// ready steps, and deadlock detection when no step can make progress.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/core"
)

var (
	// ErrNoSteps is returned when a workflow is created without steps.
	ErrNoSteps = errors.New("workflow: no steps")
	// ErrDuplicateStep is returned when two steps share an id.
	ErrDuplicateStep = errors.New("workflow: duplicate step id")
	// ErrUnknownDependency is returned when a step depends on an id that
	// names no step in the workflow.
	ErrUnknownDependency = errors.New("workflow: unknown dependency")
	// ErrCyclicDependency is returned when the prerequisite graph contains
	// a cycle. Cycles are rejected at creation so they cannot masquerade
	// as runtime deadlocks.
	ErrCyclicDependency = errors.New("workflow: cyclic dependency")
	// ErrNotFound is returned when an operation names an unknown workflow.
	ErrNotFound = errors.New("workflow: not found")
	// ErrDeadlock reports an empty ready set with incomplete steps: a
	// prerequisite failed, so the remaining steps can never start.
	ErrDeadlock = errors.New("workflow: deadlock, no step can progress")
)

// Status is the lifecycle state shared by workflows and steps.
type Status string

const (
	// StatusPending means created but not yet started.
	StatusPending Status = "pending"
	// StatusRunning means execution is in progress.
	StatusRunning Status = "running"
	// StatusCompleted means execution finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means execution finished with failures or deadlocked.
	StatusFailed Status = "failed"
	// StatusCancelled means the workflow was cancelled before finishing.
	StatusCancelled Status = "cancelled"
	// StatusPaused means execution is suspended between waves.
	StatusPaused Status = "paused"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one node of the workflow graph: an operation dispatched to a
// participant of the target kind once every prerequisite step completed.
type Step struct {
	ID        string               `json:"id"`
	Target    core.ParticipantKind `json:"target"`
	Operation string               `json:"operation"`
	Params    map[string]any       `json:"params,omitempty"`
	DependsOn []string             `json:"depends_on,omitempty"`

	Status    Status         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

// Workflow is a named, prioritized DAG of steps plus execution bookkeeping.
// The completed and failed sets drive the engine's ready-set computation.
type Workflow struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Creator   string        `json:"creator,omitempty"`
	Steps     []*Step       `json:"steps"`
	Status    Status        `json:"status"`
	Priority  core.Priority `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`

	completed map[string]bool
	failed    map[string]bool
}

// New creates a workflow after validating its step graph: at least one step,
// unique ids, known prerequisite ids, and no cycles. An empty id is replaced
// with a generated one.
func New(id, name string, steps []*Step, creator string) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	if id == "" {
		id = core.NewID()
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if _, ok := byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)
		}
		byID[s.ID] = s
		s.Status = StatusPending
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on %s", ErrUnknownDependency, s.ID, dep)
			}
		}
	}
	if err := validateAcyclic(steps); err != nil {
		return nil, err
	}

	return &Workflow{
		ID:        id,
		Name:      name,
		Creator:   creator,
		Steps:     steps,
		Status:    StatusPending,
		Priority:  core.PriorityNormal,
		CreatedAt: time.Now().UTC(),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}, nil
}

// validateAcyclic runs Kahn's algorithm over the prerequisite graph; any
// step left unprocessed sits on a cycle.
func validateAcyclic(steps []*Step) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(steps) {
		return ErrCyclicDependency
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ReadySteps returns every step not yet terminal whose prerequisites are all
// in the completed set. Steps downstream of a failed prerequisite never
// become ready.
func (w *Workflow) ReadySteps() []*Step {
	var ready []*Step
	for _, s := range w.Steps {
		if w.completed[s.ID] || w.failed[s.ID] || s.Status == StatusRunning {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !w.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// markCompleted moves the step into the completed set.
func (w *Workflow) markCompleted(id string) { w.completed[id] = true }

// markFailed moves the step into the failed set.
func (w *Workflow) markFailed(id string) { w.failed[id] = true }

// Settled reports whether every step reached a terminal set.
func (w *Workflow) Settled() bool {
	return len(w.completed)+len(w.failed) == len(w.Steps)
}

// FailedSteps returns the ids of steps in the failed set.
func (w *Workflow) FailedSteps() []string {
	out := make([]string, 0, len(w.failed))
	for id := range w.failed {
		out = append(out, id)
	}
	return out
}

// CompletedSteps returns the ids of steps in the completed set.
func (w *Workflow) CompletedSteps() []string {
	out := make([]string, 0, len(w.completed))
	for id := range w.completed {
		out = append(out, id)
	}
	return out
}
