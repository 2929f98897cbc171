package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
	"github.com/relaymesh/relaymesh/registry"
)

var (
	// ErrQueueFull is returned when the bounded queue rejects a submission.
	// The unit is dropped and counted; the bus never blocks or retries.
	ErrQueueFull = errors.New("bus: queue full")
	// ErrUnknownTarget is returned when a targeted message names an
	// unregistered participant.
	ErrUnknownTarget = errors.New("bus: unknown target")
	// ErrStopped is returned when submitting to a stopped bus.
	ErrStopped = errors.New("bus: stopped")
)

// Handler processes messages addressed to a specific target. A non-empty
// result map is turned into a response message (source and target swapped
// versus the original) and re-enqueued; a returned error becomes an
// error-kind reply to the original source.
type Handler func(msg *core.Message) (map[string]any, error)

// Callback observes messages of a specific kind when no target handler is
// registered. Errors are logged, never propagated, and no reply is
// synthesized.
type Callback func(msg *core.Message) error

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Capacity bounds the pending-message queue. Defaults to 10000.
	Capacity int
	// Registry is the participant directory used for target validation and
	// broadcast fan-out. Required.
	Registry *registry.Registry
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
	// Metrics defaults to NoOpMetrics if nil.
	Metrics core.MetricsSink
	// Policy defaults to AllowAllPolicy if nil.
	Policy core.PolicyChecker
}

// DefaultCapacity is the queue bound applied when Options.Capacity is unset.
const DefaultCapacity = 10000

// Bus is the delivery bus. A single dispatch goroutine owns the queue; all
// other shared state (handlers, callbacks, correlator map) is guarded by its
// own mutex, so public methods are safe for concurrent use.
//
// Ordering: the single consumer preserves FIFO submission order within any
// participant's inbound stream. There is no ordering guarantee across
// participants.
type Bus struct {
	queue      chan *core.Message
	reg        *registry.Registry
	correlator *Correlator

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	callbacks  map[core.Kind]Callback

	logger  logging.Logger
	metrics core.MetricsSink
	policy  core.PolicyChecker

	delivered atomic.Int64
	dropped   atomic.Int64
	expired   atomic.Int64

	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	stopped   atomic.Bool
}

// New constructs a Bus. Call Start to launch the dispatch loop.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		Capacity: DefaultCapacity,
		Logger:   logging.NoOpLogger{},
		Metrics:  core.NoOpMetrics{},
		Policy:   core.AllowAllPolicy{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}

	return &Bus{
		queue:      make(chan *core.Message, opts.Capacity),
		reg:        opts.Registry,
		correlator: NewCorrelator(opts.Logger),
		handlers:   make(map[string]Handler),
		callbacks:  make(map[core.Kind]Callback),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		policy:     opts.Policy,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch loop. Safe to call once; later calls are
// no-ops.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop terminates the dispatch loop and cancels every outstanding request so
// waiters observe cancellation rather than hanging forever. Messages still
// queued are discarded.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		b.wg.Wait()
		b.correlator.CancelAll()
	})
}

// Correlator exposes the request tracker, primarily for introspection.
func (b *Bus) Correlator() *Correlator { return b.correlator }

// RegisterHandler binds a handler to a target identifier. Replaces any
// existing handler for that target.
func (b *Bus) RegisterHandler(target string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[target] = h
}

// RegisterKindCallback binds a callback to a message kind, consulted when no
// target handler matches.
func (b *Bus) RegisterKindCallback(kind core.Kind, cb Callback) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.callbacks[kind] = cb
}

// Submit enqueues a message for delivery.
//
// An empty target fans the message out to every registered participant
// except the source, one fresh-id copy per recipient; fan-out never blocks
// and copies that do not fit in the queue are dropped and counted. A
// non-empty target must name a registered participant; unknown targets fail
// fast with ErrUnknownTarget. A full queue rejects the message with
// ErrQueueFull — explicit backpressure, no retry.
func (b *Bus) Submit(msg *core.Message) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if msg.IsBroadcast() {
		b.fanOut(msg)
		return nil
	}
	if !b.reg.Exists(msg.Target) {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.Target)
	}
	if !b.enqueue(msg) {
		return ErrQueueFull
	}
	return nil
}

// Request builds a request message, registers it with the correlator and
// submits it. The returned future settles with the matching response, a
// timeout result after the deadline, or cancellation on bus shutdown. A
// submission failure untracks the request before returning.
func (b *Bus) Request(source, target string, payload map[string]any, timeout time.Duration) (*Future, error) {
	req := core.NewRequest(source, target, payload)
	fut := b.correlator.Track(req.ID, timeout)
	if err := b.Submit(req); err != nil {
		b.correlator.Cancel(req.ID)
		return nil, err
	}
	return fut, nil
}

// Broadcast fans a payload out to every registered participant except the
// source and returns the number of copies enqueued.
func (b *Bus) Broadcast(source string, payload map[string]any, kind core.Kind) int {
	if b.stopped.Load() {
		return 0
	}
	return b.fanOut(core.NewBroadcast(source, kind, payload))
}

// fanOut delivers one fresh-id copy per registered recipient, skipping the
// source. Returns the number of copies that fit in the queue.
func (b *Bus) fanOut(msg *core.Message) int {
	delivered := 0
	for _, p := range b.reg.List() {
		if p.ID == msg.Source {
			continue
		}
		if b.enqueue(msg.Copy(p.ID)) {
			delivered++
		}
	}
	b.metrics.IncrCounter("bus.broadcast_copies", delivered)
	return delivered
}

// enqueue performs the non-blocking insert shared by every delivery path.
func (b *Bus) enqueue(msg *core.Message) bool {
	select {
	case b.queue <- msg:
		return true
	default:
		b.dropped.Add(1)
		b.metrics.IncrCounter("bus.dropped", 1)
		b.logger.Warn("queue full, message dropped", "message_id", msg.ID, "target", msg.Target)
		return false
	}
}

// loop is the dispatch loop. Receiving on the queue channel is the idle
// wait: the goroutine parks until a message or shutdown arrives.
func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.queue:
			b.dispatch(msg)
		}
	}
}

// dispatch hands one message down the delivery chain: expiry check, response
// correlation, target handler, kind callback, default handler.
func (b *Bus) dispatch(msg *core.Message) {
	start := time.Now()

	if msg.Expired(start) {
		b.expired.Add(1)
		b.metrics.IncrCounter("bus.expired", 1)
		b.logger.Debug("message expired before delivery", "message_id", msg.ID, "ttl_seconds", msg.TTLSeconds)
		return
	}

	// Responses and error replies settle their outstanding request and
	// never reach ordinary handlers.
	if (msg.Kind == core.KindResponse || msg.Kind == core.KindError) && b.correlator.Settle(msg.CorrelationID, msg) {
		b.delivered.Add(1)
		b.metrics.IncrCounter("bus.responses_matched", 1)
		return
	}

	b.handlersMu.RLock()
	handler, hasHandler := b.handlers[msg.Target]
	callback, hasCallback := b.callbacks[msg.Kind]
	b.handlersMu.RUnlock()

	switch {
	case hasHandler:
		b.invokeHandler(handler, msg)
	case hasCallback:
		if err := callback(msg); err != nil {
			b.logger.Error("kind callback failed", "kind", string(msg.Kind), "message_id", msg.ID, "error", err)
		}
	default:
		b.defaultHandle(msg)
	}

	b.delivered.Add(1)
	b.metrics.IncrCounter("bus.dispatched", 1)
	b.metrics.ObserveLatency("bus.dispatch", time.Since(start))
}

// invokeHandler runs a target handler with fault isolation. Failures become
// error-kind replies to the original source; non-empty results become
// response messages with source and target swapped. Neither is synthesized
// for sourceless messages (broadcast copies).
func (b *Bus) invokeHandler(handler Handler, msg *core.Message) {
	if !b.allowHandling(msg) {
		b.logger.Warn("handler invocation denied by policy", "message_id", msg.ID, "target", msg.Target)
		b.metrics.IncrCounter("bus.policy_denied", 1)
		return
	}

	result, err := b.safeInvoke(handler, msg)
	if err != nil {
		b.metrics.IncrCounter("bus.handler_faults", 1)
		b.logger.Error("handler failed", "message_id", msg.ID, "target", msg.Target, "error", err)
		if msg.Source != "" {
			b.enqueue(core.NewErrorReply(msg, err.Error()))
		}
		return
	}
	if len(result) > 0 && msg.Source != "" {
		b.enqueue(core.NewResponse(msg, result))
	}
}

// safeInvoke converts handler panics into errors so a misbehaving handler
// never takes down the dispatch loop.
func (b *Bus) safeInvoke(handler Handler, msg *core.Message) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(msg)
}

// allowHandling consults the policy hook for the target participant's kind.
// Unregistered targets (handler registered without a participant record)
// default to the worker kind.
func (b *Bus) allowHandling(msg *core.Message) bool {
	kind := core.KindWorker
	if p := b.reg.Get(msg.Target); p != nil {
		kind = p.Kind
	}
	return b.policy.Allow("bus.handler", "invoke", kind)
}

// defaultHandle acknowledges messages nobody claimed: heartbeats answer
// "alive", sync signals answer "synchronized", other ordinary kinds get a
// plain acknowledgement. Responses and error replies are only logged so the
// bus never answers an answer.
func (b *Bus) defaultHandle(msg *core.Message) {
	if msg.Kind == core.KindResponse || msg.Kind == core.KindError {
		b.logger.Debug("unclaimed terminal message", "kind", string(msg.Kind), "message_id", msg.ID)
		return
	}
	if msg.Source == "" {
		return
	}

	var status string
	switch msg.Kind {
	case core.KindHeartbeat:
		status = "alive"
	case core.KindSync:
		status = "synchronized"
	default:
		status = "ack"
	}
	b.enqueue(core.NewResponse(msg, map[string]any{"status": status}))
}

// QueueDepth returns the number of messages waiting for dispatch.
func (b *Bus) QueueDepth() int { return len(b.queue) }

// Delivered returns the number of messages handed down the dispatch chain.
func (b *Bus) Delivered() int64 { return b.delivered.Load() }

// Dropped returns the number of messages rejected by the bounded queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Expired returns the number of messages whose TTL elapsed before delivery.
func (b *Bus) Expired() int64 { return b.expired.Load() }

// Outstanding returns the number of requests awaiting a response.
func (b *Bus) Outstanding() int { return b.correlator.Outstanding() }
