package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
)

// StepRunner executes one step against a participant of the step's target
// kind. The mesh façade implements this by routing a correlated request over
// the delivery bus; tests substitute in-process fakes.
type StepRunner interface {
	RunStep(ctx context.Context, wf *Workflow, step *Step) (map[string]any, error)
}

// StepRunnerFunc adapts a function to the StepRunner interface.
type StepRunnerFunc func(ctx context.Context, wf *Workflow, step *Step) (map[string]any, error)

// RunStep calls f.
func (f StepRunnerFunc) RunStep(ctx context.Context, wf *Workflow, step *Step) (map[string]any, error) {
	return f(ctx, wf, step)
}

// Options holds dependency and configuration overrides passed to NewEngine().
type Options struct {
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
	// Metrics defaults to NoOpMetrics if nil.
	Metrics core.MetricsSink
	// Policy defaults to AllowAllPolicy if nil. A denied step fails with
	// a policy error instead of dispatching.
	Policy core.PolicyChecker
	// PauseInterval is how often a paused workflow rechecks its status
	// between waves. Defaults to 10ms.
	PauseInterval time.Duration
}

// Engine registers workflows and drives them through the wave loop: compute
// the ready set, dispatch every ready step concurrently, fold the outcomes
// into the completed and failed sets, repeat. An empty ready set with
// unsettled steps is a deadlock and halts the run.
//
// One engine mutex guards all workflow state; step execution itself happens
// outside the lock so waves run concurrently.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow

	runner  StepRunner
	logger  logging.Logger
	metrics core.MetricsSink
	policy  core.PolicyChecker

	pauseInterval time.Duration
}

// NewEngine constructs an engine that dispatches steps through runner.
func NewEngine(runner StepRunner, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		Metrics:       core.NoOpMetrics{},
		Policy:        core.AllowAllPolicy{},
		PauseInterval: 10 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		workflows:     make(map[string]*Workflow),
		runner:        runner,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		policy:        opts.Policy,
		pauseInterval: opts.PauseInterval,
	}
}

// Create validates and registers a new workflow.
func (e *Engine) Create(id, name string, steps []*Step, creator string) (*Workflow, error) {
	wf, err := New(id, name, steps, creator)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.ID] = wf
	e.logger.Info("workflow created", "workflow_id", wf.ID, "name", name, "steps", len(steps))
	return wf, nil
}

// CreateFromDefinition parses a YAML definition and registers the workflow.
func (e *Engine) CreateFromDefinition(data []byte) (*Workflow, error) {
	wf, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.ID] = wf
	return wf, nil
}

// Execute runs the workflow to a terminal status. It returns ErrDeadlock
// when the ready set empties with steps unsettled; step failures do not
// produce an error here — they mark the workflow failed and stay visible on
// the per-step Error fields.
func (e *Engine) Execute(ctx context.Context, id string) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if wf.Status.Terminal() || wf.Status == StatusRunning {
		e.mu.Unlock()
		return fmt.Errorf("workflow: %s not executable in status %s", id, wf.Status)
	}
	wf.Status = StatusRunning
	e.mu.Unlock()

	start := time.Now()
	e.metrics.IncrCounter("workflow.started", 1)

	for {
		proceed, halted := e.waveGate(ctx, wf)
		if halted {
			return nil
		}
		if !proceed {
			continue
		}

		e.mu.Lock()
		ready := wf.ReadySteps()
		if len(ready) == 0 {
			if wf.Settled() {
				e.finishLocked(wf, start)
				e.mu.Unlock()
				return nil
			}
			// Deadlock: a prerequisite failed or never completed, and no
			// remaining step can start.
			wf.Status = StatusFailed
			e.mu.Unlock()
			e.logger.Error("workflow deadlocked", "workflow_id", wf.ID, "failed_steps", wf.FailedSteps())
			e.metrics.IncrCounter("workflow.deadlocks", 1)
			e.metrics.Alert("critical", "workflow.deadlock", fmt.Sprintf("workflow %s cannot progress", wf.ID))
			return fmt.Errorf("%w: workflow %s", ErrDeadlock, wf.ID)
		}
		for _, s := range ready {
			s.Status = StatusRunning
			s.StartedAt = time.Now().UTC()
		}
		e.mu.Unlock()

		e.runWave(ctx, wf, ready)
	}
}

// waveGate enforces the pause and cancel semantics between waves: a paused
// workflow blocks here until resumed or cancelled; a cancelled workflow
// stops starting new waves (in-flight steps already finished since waves
// are synchronous). Returns proceed=false to re-check, halted=true when the
// run is over.
func (e *Engine) waveGate(ctx context.Context, wf *Workflow) (proceed, halted bool) {
	if ctx.Err() != nil {
		e.mu.Lock()
		wf.Status = StatusCancelled
		e.mu.Unlock()
		e.logger.Warn("workflow cancelled by context", "workflow_id", wf.ID)
		return false, true
	}

	e.mu.RLock()
	status := wf.Status
	e.mu.RUnlock()

	switch status {
	case StatusCancelled:
		e.logger.Info("workflow cancelled", "workflow_id", wf.ID)
		return false, true
	case StatusPaused:
		time.Sleep(e.pauseInterval)
		return false, false
	default:
		return true, false
	}
}

// runWave executes every ready step concurrently and folds the outcomes
// into the terminal sets before the next ready-set computation.
func (e *Engine) runWave(ctx context.Context, wf *Workflow, ready []*Step) {
	type outcome struct {
		step   *Step
		result map[string]any
		err    error
	}

	var wg sync.WaitGroup
	outcomes := make(chan outcome, len(ready))

	for _, s := range ready {
		wg.Add(1)
		go func(s *Step) {
			defer wg.Done()
			if !e.policy.Allow("workflow.step", s.Operation, s.Target) {
				outcomes <- outcome{step: s, err: fmt.Errorf("step %s denied by policy", s.ID)}
				return
			}
			result, err := e.runner.RunStep(ctx, wf, s)
			outcomes <- outcome{step: s, result: result, err: err}
		}(s)
	}
	wg.Wait()
	close(outcomes)

	e.mu.Lock()
	defer e.mu.Unlock()
	for o := range outcomes {
		o.step.EndedAt = time.Now().UTC()
		e.metrics.ObserveLatency("workflow.step", o.step.EndedAt.Sub(o.step.StartedAt))
		if o.err != nil {
			o.step.Status = StatusFailed
			o.step.Error = o.err.Error()
			wf.markFailed(o.step.ID)
			e.logger.Error("step failed", "workflow_id", wf.ID, "step_id", o.step.ID, "error", o.err)
			continue
		}
		o.step.Status = StatusCompleted
		o.step.Result = o.result
		wf.markCompleted(o.step.ID)
		e.logger.Debug("step completed", "workflow_id", wf.ID, "step_id", o.step.ID)
	}
}

// finishLocked stamps the terminal status once every step settled. Any
// failed step forces the workflow to failed; "completed with failures" is
// not a state this engine reports.
func (e *Engine) finishLocked(wf *Workflow, start time.Time) {
	if len(wf.failed) > 0 {
		wf.Status = StatusFailed
		e.metrics.IncrCounter("workflow.failed", 1)
		e.logger.Warn("workflow finished with failed steps", "workflow_id", wf.ID, "failed_steps", wf.FailedSteps())
	} else {
		wf.Status = StatusCompleted
		e.metrics.IncrCounter("workflow.completed", 1)
		e.logger.Info("workflow completed", "workflow_id", wf.ID, "duration", time.Since(start))
	}
}

// Cancel marks the workflow cancelled. In-flight step dispatches are not
// interrupted; only new waves are prevented. Returns false for unknown or
// already terminal workflows.
func (e *Engine) Cancel(id string) bool {
	return e.transition(id, StatusCancelled, StatusPending, StatusRunning, StatusPaused)
}

// Pause suspends a running workflow between waves. Returns false unless the
// workflow is currently running.
func (e *Engine) Pause(id string) bool {
	return e.transition(id, StatusPaused, StatusRunning)
}

// Resume returns a paused workflow to running. Returns false unless the
// workflow is currently paused.
func (e *Engine) Resume(id string) bool {
	return e.transition(id, StatusRunning, StatusPaused)
}

func (e *Engine) transition(id string, to Status, from ...Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return false
	}
	for _, f := range from {
		if wf.Status == f {
			wf.Status = to
			return true
		}
	}
	return false
}

// Status returns the workflow's current status. The boolean is false for
// unknown ids.
func (e *Engine) Status(id string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return "", false
	}
	return wf.Status, true
}

// State returns a point-in-time snapshot of the workflow and its steps, or
// nil for unknown ids.
func (e *Engine) State(id string) *Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil
	}
	return snapshot(wf)
}

// List returns snapshots of every registered workflow.
func (e *Engine) List() []*Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, snapshot(wf))
	}
	return out
}

// snapshot deep-copies a workflow so callers cannot mutate engine state.
// Caller must hold at least the read lock.
func snapshot(wf *Workflow) *Workflow {
	cp := *wf
	cp.Steps = make([]*Step, len(wf.Steps))
	for i, s := range wf.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	cp.completed = make(map[string]bool, len(wf.completed))
	for k := range wf.completed {
		cp.completed[k] = true
	}
	cp.failed = make(map[string]bool, len(wf.failed))
	for k := range wf.failed {
		cp.failed[k] = true
	}
	return &cp
}
