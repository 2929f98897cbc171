package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/core"
)

// recordingRunner appends step ids in completion order and fails the steps
// listed in failing.
type recordingRunner struct {
	mu      sync.Mutex
	order   []string
	failing map[string]bool
	delay   time.Duration
}

func (r *recordingRunner) RunStep(_ context.Context, _ *Workflow, s *Step) (map[string]any, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.order = append(r.order, s.ID)
	r.mu.Unlock()
	if r.failing[s.ID] {
		return nil, errors.New("forced failure")
	}
	return map[string]any{"step": s.ID}, nil
}

func (r *recordingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func diamondSteps() []*Step {
	return []*Step{
		step("a"), step("b"), step("c", "a", "b"), step("d", "c"),
	}
}

func TestExecuteRunsWavesInDependencyOrder(t *testing.T) {
	runner := &recordingRunner{}
	e := NewEngine(runner)

	wf, err := e.Create("wf-1", "diamond", diamondSteps(), "tester")
	require.NoError(t, err)

	require.NoError(t, e.Execute(context.Background(), wf.ID))

	order := runner.ran()
	require.Len(t, order, 4)
	// Wave 1 is {a, b} in either order; c only after both; d last.
	assert.ElementsMatch(t, []string{"a", "b"}, order[:2])
	assert.Equal(t, "c", order[2])
	assert.Equal(t, "d", order[3])

	status, ok := e.Status(wf.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	state := e.State(wf.ID)
	for _, s := range state.Steps {
		assert.Equal(t, StatusCompleted, s.Status)
		assert.Equal(t, s.ID, s.Result["step"])
		assert.False(t, s.EndedAt.Before(s.StartedAt))
	}
}

func TestExecuteReportsDeadlockWhenPrerequisiteFails(t *testing.T) {
	runner := &recordingRunner{failing: map[string]bool{"a": true}}
	e := NewEngine(runner)

	wf, err := e.Create("wf-2", "diamond", diamondSteps(), "tester")
	require.NoError(t, err)

	err = e.Execute(context.Background(), wf.ID)
	assert.ErrorIs(t, err, ErrDeadlock)

	// c never became ready, so neither it nor d ran.
	assert.ElementsMatch(t, []string{"a", "b"}, runner.ran())

	state := e.State(wf.ID)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, StatusFailed, state.Step("a").Status)
	assert.Equal(t, "forced failure", state.Step("a").Error)
	assert.Equal(t, StatusPending, state.Step("c").Status)
}

func TestExecuteFailedLeafStepFailsWorkflowWithoutDeadlock(t *testing.T) {
	runner := &recordingRunner{failing: map[string]bool{"d": true}}
	e := NewEngine(runner)

	wf, err := e.Create("wf-3", "diamond", diamondSteps(), "tester")
	require.NoError(t, err)

	// The leaf failure settles every step, so this is a normal exit with
	// failed status, not a deadlock.
	require.NoError(t, e.Execute(context.Background(), wf.ID))

	state := e.State(wf.ID)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, StatusFailed, state.Step("d").Status)
	assert.Equal(t, StatusCompleted, state.Step("c").Status)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := NewEngine(&recordingRunner{})
	assert.ErrorIs(t, e.Execute(context.Background(), "ghost"), ErrNotFound)
}

func TestExecuteRejectsRerun(t *testing.T) {
	runner := &recordingRunner{}
	e := NewEngine(runner)
	wf, err := e.Create("wf-4", "single", []*Step{step("a")}, "tester")
	require.NoError(t, err)

	require.NoError(t, e.Execute(context.Background(), wf.ID))
	assert.Error(t, e.Execute(context.Background(), wf.ID))
}

func TestCancelPreventsNewWaves(t *testing.T) {
	runner := &recordingRunner{delay: 50 * time.Millisecond}
	e := NewEngine(runner)

	wf, err := e.Create("wf-5", "chain", []*Step{step("a"), step("b", "a"), step("c", "b")}, "tester")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), wf.ID) }()

	// Cancel while the first wave is in flight.
	time.Sleep(20 * time.Millisecond)
	require.True(t, e.Cancel(wf.ID))

	require.NoError(t, <-done)

	status, _ := e.Status(wf.ID)
	assert.Equal(t, StatusCancelled, status)
	assert.Less(t, len(runner.ran()), 3, "cancelled before the chain finished")
}

func TestCancelIdempotence(t *testing.T) {
	e := NewEngine(&recordingRunner{})
	wf, err := e.Create("wf-6", "single", []*Step{step("a")}, "tester")
	require.NoError(t, err)

	assert.True(t, e.Cancel(wf.ID))
	assert.False(t, e.Cancel(wf.ID), "already terminal")
	assert.False(t, e.Cancel("ghost"))
}

func TestPauseAndResume(t *testing.T) {
	runner := &recordingRunner{delay: 30 * time.Millisecond}
	e := NewEngine(runner, func(o *Options) { o.PauseInterval = 5 * time.Millisecond })

	wf, err := e.Create("wf-7", "chain", []*Step{step("a"), step("b", "a")}, "tester")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), wf.ID) }()

	time.Sleep(10 * time.Millisecond)
	require.True(t, e.Pause(wf.ID))

	// While paused, the first wave drains but the second never starts.
	time.Sleep(100 * time.Millisecond)
	assert.ElementsMatch(t, []string{"a"}, runner.ran())

	require.True(t, e.Resume(wf.ID))
	require.NoError(t, <-done)

	status, _ := e.Status(wf.ID)
	assert.Equal(t, StatusCompleted, status)
	assert.ElementsMatch(t, []string{"a", "b"}, runner.ran())
}

func TestContextCancellationStopsExecution(t *testing.T) {
	runner := &recordingRunner{delay: 30 * time.Millisecond}
	e := NewEngine(runner)

	wf, err := e.Create("wf-8", "chain", []*Step{step("a"), step("b", "a")}, "tester")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, wf.ID) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	status, _ := e.Status(wf.ID)
	assert.Equal(t, StatusCancelled, status)
}

type denyPolicy struct{}

func (denyPolicy) Allow(resource, action string, _ core.ParticipantKind) bool {
	return action != "op_b"
}

func TestPolicyDeniedStepFails(t *testing.T) {
	runner := &recordingRunner{}
	e := NewEngine(runner, func(o *Options) { o.Policy = denyPolicy{} })

	wf, err := e.Create("wf-9", "pair", []*Step{step("a"), step("b")}, "tester")
	require.NoError(t, err)

	require.NoError(t, e.Execute(context.Background(), wf.ID))

	state := e.State(wf.ID)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, StatusCompleted, state.Step("a").Status)
	assert.Equal(t, StatusFailed, state.Step("b").Status)
	assert.Contains(t, state.Step("b").Error, "denied by policy")
	assert.ElementsMatch(t, []string{"a"}, runner.ran(), "denied step never dispatched")
}

func TestStateReturnsSnapshot(t *testing.T) {
	e := NewEngine(&recordingRunner{})
	wf, err := e.Create("wf-10", "single", []*Step{step("a")}, "tester")
	require.NoError(t, err)

	snap := e.State(wf.ID)
	snap.Steps[0].Status = StatusFailed
	snap.Status = StatusFailed

	fresh := e.State(wf.ID)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, StatusPending, fresh.Steps[0].Status)

	assert.Nil(t, e.State("ghost"))
	assert.Len(t, e.List(), 1)
}
