package bus

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/core"
	"github.com/relaymesh/relaymesh/logging"
)

// pendingRequest pairs a settlement handle with the timer that enforces its
// deadline.
type pendingRequest struct {
	future *Future
	timer  *time.Timer
}

// Correlator tracks outstanding requests awaiting a matching response. An
// entry lives from Track until settlement, timeout or CancelAll, whichever
// comes first; the map never holds a settled entry.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  logging.Logger
}

// NewCorrelator constructs an empty correlator.
func NewCorrelator(logger logging.Logger) *Correlator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// Track registers requestID and returns its settlement handle. If the id is
// already tracked the existing handle is returned, preserving the at most
// one entry per request id invariant. When timeout is positive, the entry
// is removed and the handle settled with a timeout result once it elapses
// without a response.
func (c *Correlator) Track(requestID string, timeout time.Duration) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.pending[requestID]; ok {
		return entry.future
	}

	entry := &pendingRequest{future: newFuture()}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() { c.expire(requestID) })
	}
	c.pending[requestID] = entry
	return entry.future
}

// expire removes the entry for requestID and settles it as timed out. A
// response racing the timer loses cleanly: whichever removes the entry
// first performs the settlement.
func (c *Correlator) expire(requestID string) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn("request timed out", "request_id", requestID)
	entry.future.settle(Settlement{TimedOut: true})
}

// Settle resolves the outstanding request matching correlationID with the
// given response. Returns false when no such request is outstanding, which
// lets the dispatch loop fall through to ordinary handling.
func (c *Correlator) Settle(correlationID string, response *core.Message) bool {
	if correlationID == "" {
		return false
	}
	c.mu.Lock()
	entry, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.future.settle(Settlement{Response: response})
	return true
}

// Cancel removes the entry for requestID and settles it as cancelled.
// Returns false if the id is not outstanding.
func (c *Correlator) Cancel(requestID string) bool {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.future.settle(Settlement{Cancelled: true})
	return true
}

// CancelAll settles every outstanding entry as cancelled. Called on bus
// shutdown so waiters observe cancellation instead of hanging forever.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, entry := range drained {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.future.settle(Settlement{Cancelled: true})
		c.logger.Debug("outstanding request cancelled", "request_id", id)
	}
}

// Outstanding returns the number of requests still awaiting settlement.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
