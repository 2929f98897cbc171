// Package relaymesh provides a high-level façade over the participant
// registry, delivery bus, signal router and workflow engine, enabling rapid
// construction of in-process participant meshes. Most applications interact
// with this package by:
//  1. Creating a Mesh via New() (optionally overriding collaborators)
//  2. Registering participants and their message handlers
//  3. Exchanging messages (Submit, Request, Broadcast) and running
//     dependency-graph workflows (CreateWorkflow, ExecuteWorkflow)
//
// The façade delegates delivery to bus.Bus, destination selection to
// router.Router and orchestration to workflow.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a metrics sink, a policy
// checker and a structured logger.
package relaymesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/bus"
	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
	"github.com/relaymesh/relaymesh/registry"
	"github.com/relaymesh/relaymesh/router"
	"github.com/relaymesh/relaymesh/workflow"
)

// Options configures the Mesh instance.
type Options struct {
	// QueueCapacity bounds the delivery bus queue. Defaults to
	// bus.DefaultCapacity.
	QueueCapacity int

	// StepTimeout bounds each workflow step's request round trip.
	// Defaults to 30s.
	StepTimeout time.Duration

	// DefaultStrategy selects destinations for workflow step dispatch.
	// Defaults to the intelligent composite strategy.
	DefaultStrategy router.Strategy

	// HealthSweepInterval is how often the background sweep checks
	// participant liveness. Defaults to 30s.
	HealthSweepInterval time.Duration

	// LivenessTimeout marks a participant unreachable once its last
	// liveness update is older than this. Defaults to 90s.
	LivenessTimeout time.Duration

	// Logger defaults to NoOp logger if nil.
	Logger logging.Logger
	// Metrics defaults to a no-op sink if nil.
	Metrics core.MetricsSink
	// Policy defaults to allow-all if nil.
	Policy core.PolicyChecker
}

// Mesh is the high-level façade aggregating the underlying components. The
// workflow engine dispatches each step through the mesh itself: the router
// picks a healthy participant of the step's target kind and the bus delivers
// a correlated request to it.
type Mesh struct {
	opts     Options
	registry *registry.Registry
	bus      *bus.Bus
	router   *router.Router
	engine   *workflow.Engine

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// SystemStatus is the introspection snapshot returned by Mesh.SystemStatus.
type SystemStatus struct {
	Participants        map[core.ParticipantStatus]int
	QueueDepth          int
	OutstandingRequests int
	Delivered           int64
	Dropped             int64
	Workflows           int
}

// New creates a new Mesh instance with optional overrides.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		QueueCapacity:       bus.DefaultCapacity,
		StepTimeout:         30 * time.Second,
		DefaultStrategy:     router.StrategyIntelligent,
		HealthSweepInterval: 30 * time.Second,
		LivenessTimeout:     90 * time.Second,
		Logger:              logging.NoOpLogger{},
		Metrics:             core.NoOpMetrics{},
		Policy:              core.AllowAllPolicy{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	reg := registry.New(func(o *registry.Options) {
		o.Logger = opts.Logger
	})
	b := bus.New(func(o *bus.Options) {
		o.Capacity = opts.QueueCapacity
		o.Registry = reg
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Policy = opts.Policy
	})
	rt := router.New(func(o *router.Options) {
		o.Registry = reg
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	m := &Mesh{opts: opts, registry: reg, bus: b, router: rt, stopCh: make(chan struct{})}
	m.engine = workflow.NewEngine(m, func(o *workflow.Options) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Policy = opts.Policy
	})
	return m
}

// Start launches the delivery bus dispatch loop and the background health
// sweep.
func (m *Mesh) Start() {
	m.startOnce.Do(func() {
		m.bus.Start()
		m.wg.Add(1)
		go m.healthSweep()
	})
}

// Stop terminates the dispatch loop, stops the health sweep and cancels
// every outstanding request.
func (m *Mesh) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.bus.Stop()
	})
}

// healthSweep periodically marks participants whose liveness updates went
// stale as unreachable, removing them from routing until they report again.
func (m *Mesh) healthSweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			for _, p := range m.registry.List() {
				if !p.Available() || now.Sub(p.LastSeen) <= m.opts.LivenessTimeout {
					continue
				}
				m.registry.UpdateStatus(p.ID, core.StatusUnreachable)
				m.router.SetHealth(p.ID, false)
				m.opts.Logger.Warn("participant liveness expired", "id", p.ID, "last_seen", p.LastSeen)
				m.opts.Metrics.Alert("warning", "mesh.participant_unreachable", p.ID)
			}
		}
	}
}

// Register adds the participant to the directory and enrolls it as a
// routing candidate under its kind and each of its capability tags.
func (m *Mesh) Register(p *core.Participant) {
	m.registry.Register(p)
	m.router.AddCandidate(string(p.Kind), p.ID)
	for _, tag := range p.Capabilities {
		m.router.AddCandidate(tag, p.ID)
	}
	m.router.SetHealth(p.ID, p.Available())
}

// Unregister removes the participant from the directory and from every
// routing pool. Returns false if the id is unknown.
func (m *Mesh) Unregister(id string) bool {
	if !m.registry.Unregister(id) {
		return false
	}
	m.router.RemoveCandidate(id)
	return true
}

// UpdateStatus records a participant's status, refreshes its liveness
// timestamp and feeds the router's health map. Returns false if the id is
// unknown.
func (m *Mesh) UpdateStatus(id string, status core.ParticipantStatus) bool {
	if !m.registry.UpdateStatus(id, status) {
		return false
	}
	m.router.SetHealth(id, status == core.StatusActive || status == core.StatusBusy)
	return true
}

// UpdateLoad records a participant's load factor, clamped into [0,1].
func (m *Mesh) UpdateLoad(id string, factor float64) bool {
	return m.registry.UpdateLoad(id, factor)
}

// Participants returns the registry for direct lookups.
func (m *Mesh) Participants() *registry.Registry { return m.registry }

// Submit enqueues a message for delivery. See bus.Bus.Submit.
func (m *Mesh) Submit(msg *core.Message) error { return m.bus.Submit(msg) }

// Request issues a correlated request and returns its settlement handle.
func (m *Mesh) Request(source, target string, payload map[string]any, timeout time.Duration) (*bus.Future, error) {
	return m.bus.Request(source, target, payload, timeout)
}

// Broadcast fans a payload out to every registered participant except the
// source, returning the number of copies enqueued.
func (m *Mesh) Broadcast(source string, payload map[string]any, kind core.Kind) int {
	return m.bus.Broadcast(source, payload, kind)
}

// RegisterHandler binds a handler to a target identifier.
func (m *Mesh) RegisterHandler(target string, h bus.Handler) {
	m.bus.RegisterHandler(target, h)
}

// RegisterKindCallback binds a callback to a message kind.
func (m *Mesh) RegisterKindCallback(kind core.Kind, cb bus.Callback) {
	m.bus.RegisterKindCallback(kind, cb)
}

// Route selects a destination for the capability using the given strategy.
func (m *Mesh) Route(capability string, strategy router.Strategy, rctx router.RouteContext) (string, error) {
	return m.router.Route(capability, strategy, rctx)
}

// CreateWorkflow validates and registers a workflow.
func (m *Mesh) CreateWorkflow(id, name string, steps []*workflow.Step, creator string) (*workflow.Workflow, error) {
	return m.engine.Create(id, name, steps, creator)
}

// CreateWorkflowFromYAML parses a YAML definition and registers it.
func (m *Mesh) CreateWorkflowFromYAML(data []byte) (*workflow.Workflow, error) {
	return m.engine.CreateFromDefinition(data)
}

// ExecuteWorkflow runs the workflow to a terminal status.
func (m *Mesh) ExecuteWorkflow(ctx context.Context, id string) error {
	return m.engine.Execute(ctx, id)
}

// CancelWorkflow marks the workflow cancelled; in-flight step dispatches
// finish but no new wave starts.
func (m *Mesh) CancelWorkflow(id string) bool { return m.engine.Cancel(id) }

// PauseWorkflow suspends a running workflow between waves.
func (m *Mesh) PauseWorkflow(id string) bool { return m.engine.Pause(id) }

// ResumeWorkflow returns a paused workflow to running.
func (m *Mesh) ResumeWorkflow(id string) bool { return m.engine.Resume(id) }

// WorkflowState returns a snapshot of the workflow and its steps, or nil.
func (m *Mesh) WorkflowState(id string) *workflow.Workflow { return m.engine.State(id) }

// RunStep implements workflow.StepRunner: route the step to a healthy
// participant of its target kind, deliver a correlated request and block on
// the settlement. Timeouts and cancellations surface as errors so the
// engine marks the step failed.
func (m *Mesh) RunStep(ctx context.Context, wf *workflow.Workflow, step *workflow.Step) (map[string]any, error) {
	target, err := m.router.Route(string(step.Target), m.opts.DefaultStrategy, router.RouteContext{Key: step.ID})
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	payload := map[string]any{
		"operation":   step.Operation,
		"params":      step.Params,
		"workflow_id": wf.ID,
		"step_id":     step.ID,
	}

	m.router.IncConnections(target)
	defer m.router.DecConnections(target)

	start := time.Now()
	fut, err := m.bus.Request("workflow:"+wf.ID, target, payload, m.opts.StepTimeout)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	settlement, err := fut.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	switch {
	case settlement.TimedOut:
		return nil, fmt.Errorf("step %s: no response from %s within %s", step.ID, target, m.opts.StepTimeout)
	case settlement.Cancelled:
		return nil, fmt.Errorf("step %s: request cancelled", step.ID)
	}

	m.router.RecordResponseTime(target, time.Since(start))

	// A handler that answered with an error field failed the step even
	// though the envelope round-tripped.
	if errText, ok := settlement.Response.Payload["error"].(string); ok && errText != "" {
		return nil, fmt.Errorf("step %s: %s", step.ID, errText)
	}
	return settlement.Response.Payload, nil
}

// SystemStatus returns participant counts by status, queue depth and
// outstanding-request bookkeeping.
func (m *Mesh) SystemStatus() SystemStatus {
	return SystemStatus{
		Participants:        m.registry.CountByStatus(),
		QueueDepth:          m.bus.QueueDepth(),
		OutstandingRequests: m.bus.Outstanding(),
		Delivered:           m.bus.Delivered(),
		Dropped:             m.bus.Dropped(),
		Workflows:           len(m.engine.List()),
	}
}

// RoutingStatistics returns the router's running counters.
func (m *Mesh) RoutingStatistics() router.Statistics { return m.router.Stats() }
