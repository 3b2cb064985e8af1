package alova

import (
	"context"
	"net/http"
	"sync"
)

// inflightCall is one outstanding transport call shared between every
// caller that sent the same key while it was running.
type inflightCall struct {
	key  string
	done chan struct{}

	mu       sync.Mutex
	value    any
	header   http.Header
	err      error
	settled  bool
	waiters  int
	exchange Exchange

	progressSeq int
	progress    map[int]func(Progress)
}

func newInflightCall(key string) *inflightCall {
	return &inflightCall{
		key:      key,
		done:     make(chan struct{}),
		waiters:  1,
		progress: make(map[int]func(Progress)),
	}
}

// wait blocks until the call settles or ctx ends. It returns ctx.Err()
// in the latter case.
func (call *inflightCall) wait(ctx context.Context) error {
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result returns the settled outcome.
func (call *inflightCall) result() (any, http.Header, error) {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.value, call.header, call.err
}

// leave detaches one waiter and returns how many remain.
func (call *inflightCall) leave() int {
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.waiters > 0 {
		call.waiters--
	}
	return call.waiters
}

func (call *inflightCall) isSettled() bool {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.settled
}

// setExchange records the running exchange. It returns false when the
// call already settled, in which case the caller owns aborting x.
func (call *inflightCall) setExchange(x Exchange) bool {
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.settled {
		return false
	}
	call.exchange = x
	return true
}

func (call *inflightCall) currentExchange() Exchange {
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.exchange
}

// onProgress subscribes fn to download progress until the returned
// function is called.
func (call *inflightCall) onProgress(fn func(Progress)) func() {
	if fn == nil {
		return func() {}
	}
	call.mu.Lock()
	id := call.progressSeq
	call.progressSeq++
	call.progress[id] = fn
	call.mu.Unlock()

	return func() {
		call.mu.Lock()
		delete(call.progress, id)
		call.mu.Unlock()
	}
}

func (call *inflightCall) emitProgress(total, loaded int64) {
	call.mu.Lock()
	subscribers := make([]func(Progress), 0, len(call.progress))
	for _, fn := range call.progress {
		subscribers = append(subscribers, fn)
	}
	call.mu.Unlock()

	p := Progress{Total: total, Loaded: loaded}
	for _, fn := range subscribers {
		fn(p)
	}
}

// DeduplicationTracker tracks in-flight calls to coalesce duplicates.
type DeduplicationTracker struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

// NewDeduplicationTracker returns an empty tracker.
func NewDeduplicationTracker() *DeduplicationTracker {
	return &DeduplicationTracker{
		calls: make(map[string]*inflightCall),
	}
}

// acquire attaches to the in-flight call for key when share is set, or
// starts a new one. owner is true for the caller that must execute it.
// Unshared calls are never registered and so never attached to.
func (dt *DeduplicationTracker) acquire(key string, share bool) (call *inflightCall, owner bool) {
	if !share {
		return newInflightCall(key), true
	}

	dt.mu.Lock()
	defer dt.mu.Unlock()

	if existing, ok := dt.calls[key]; ok {
		existing.mu.Lock()
		if !existing.settled {
			existing.waiters++
			existing.mu.Unlock()
			return existing, false
		}
		existing.mu.Unlock()
	}

	call = newInflightCall(key)
	dt.calls[key] = call
	return call, true
}

// settle publishes the outcome of call exactly once. commit runs before
// any waiter can observe the outcome and before the call is removed, so a
// send that starts after settle returns always sees its effects. It
// reports whether this invocation won.
func (dt *DeduplicationTracker) settle(call *inflightCall, value any, header http.Header, err error, commit func()) bool {
	call.mu.Lock()
	if call.settled {
		call.mu.Unlock()
		return false
	}
	if commit != nil {
		commit()
	}
	call.value = value
	call.header = header
	call.err = err
	call.settled = true
	call.progress = map[int]func(Progress){}
	close(call.done)
	call.mu.Unlock()

	dt.mu.Lock()
	if dt.calls[call.key] == call {
		delete(dt.calls, call.key)
	}
	dt.mu.Unlock()
	return true
}

// lookup returns the registered in-flight call for key.
func (dt *DeduplicationTracker) lookup(key string) *inflightCall {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.calls[key]
}

// Len returns the number of shared calls currently in flight.
func (dt *DeduplicationTracker) Len() int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return len(dt.calls)
}
