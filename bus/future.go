package bus

import (
	"context"
	"sync"

	"github.com/relaymesh/relaymesh/core"
)

// Settlement is the single, final outcome of an outstanding request. Exactly
// one of the three shapes occurs: a matching response arrived, the deadline
// elapsed, or the owning bus shut down before either.
type Settlement struct {
	// Response is the matching response message, nil on timeout or
	// cancellation.
	Response *core.Message
	// TimedOut is set when the deadline elapsed before a response. A
	// timeout is a result, not an error: callers distinguish it from an
	// unknown target, which fails at submission.
	TimedOut bool
	// Cancelled is set when the bus was stopped with the request still
	// outstanding.
	Cancelled bool
}

// Future is the settlement handle returned to a request's caller. It is
// completed exactly once by the correlator; duplicate settlements are
// ignored. Waiters can block on Wait or integrate Done with a select loop.
type Future struct {
	ch         chan struct{} // closed once settled
	settlement Settlement

	once sync.Once
	mu   sync.Mutex
}

func newFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// settle completes the future exactly once. Late or duplicate settlements
// are no-ops.
func (f *Future) settle(s Settlement) {
	f.once.Do(func() {
		f.mu.Lock()
		f.settlement = s
		f.mu.Unlock()
		close(f.ch)
	})
}

// Done returns a channel closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}

// Wait blocks until the future is settled or the context is cancelled. If
// ctx is done first, it returns ctx.Err().
func (f *Future) Wait(ctx context.Context) (Settlement, error) {
	select {
	case <-f.ch:
		f.mu.Lock()
		s := f.settlement
		f.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return Settlement{}, ctx.Err()
	}
}

// Result returns the settlement and whether the future is already settled.
func (f *Future) Result() (Settlement, bool) {
	select {
	case <-f.ch:
		f.mu.Lock()
		s := f.settlement
		f.mu.Unlock()
		return s, true
	default:
		return Settlement{}, false
	}
}
