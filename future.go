package fabric

import (
	"sync"
	"time"
)

// Future is a single-assignment result cell for an in-flight call.
//
// A future starts pending and settles exactly once, to either a value or
// an error. The first settlement wins; later attempts are no-ops, which
// makes duplicate or late responses harmless. Consumers can block on
// Wait, select on Done, or attach continuations with OnSettle.
type Future struct {
	mu            sync.Mutex
	done          chan struct{}
	settled       bool
	value         interface{}
	err           error
	continuations []func(value interface{}, err error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle records the result if the future is still pending. Continuations
// run after the lock is released, in registration order. Returns false if
// the future was already settled.
func (f *Future) settle(value interface{}, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	conts := f.continuations
	f.continuations = nil
	f.mu.Unlock()

	close(f.done)
	for _, fn := range conts {
		fn(value, err)
	}
	return true
}

func (f *Future) fulfill(value interface{}) bool { return f.settle(value, nil) }

func (f *Future) fail(err error) bool { return f.settle(nil, err) }

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled value or error. It must only be called
// after the future has settled (Done closed or Wait returned).
func (f *Future) Result() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// OnSettle registers a continuation to run when the future settles.
// If the future is already settled the continuation runs immediately
// on the calling goroutine.
func (f *Future) OnSettle(fn func(value interface{}, err error)) {
	f.mu.Lock()
	if !f.settled {
		f.continuations = append(f.continuations, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Wait blocks until the future settles or the timeout expires. A timeout
// of zero or less means wait forever. On expiry the future itself is
// settled with ErrTimeout, so continuations fire and any response that
// arrives later is discarded as a duplicate settlement.
func (f *Future) Wait(timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		<-f.done
		return f.Result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.Result()
	case <-timer.C:
		// Settle locally; if a response raced us and won, Result
		// returns it instead.
		f.fail(ErrTimeout)
		return f.Result()
	}
}
