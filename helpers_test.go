package alova

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockTransport answers every Execute through respond. When gate is set,
// responses are held until it is closed.
type mockTransport struct {
	calls    atomic.Int64
	gate     chan struct{}
	progress []Progress
	respond  func(elements RequestElements) (any, http.Header, error)

	mu       sync.Mutex
	requests []RequestElements
	aborted  int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		respond: func(elements RequestElements) (any, http.Header, error) {
			return map[string]any{"url": elements.URL}, http.Header{"X-Mock": []string{"1"}}, nil
		},
	}
}

func (t *mockTransport) Execute(elements RequestElements, _ *Method) Exchange {
	t.calls.Add(1)
	t.mu.Lock()
	t.requests = append(t.requests, elements)
	t.mu.Unlock()
	return &mockExchange{t: t, elements: elements, abort: make(chan struct{})}
}

func (t *mockTransport) Calls() int64 {
	return t.calls.Load()
}

func (t *mockTransport) Aborted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *mockTransport) Requests() []RequestElements {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RequestElements(nil), t.requests...)
}

type mockExchange struct {
	t        *mockTransport
	elements RequestElements
	abort    chan struct{}
	once     sync.Once

	mu       sync.Mutex
	header   http.Header
	download []func(total, loaded int64)
}

func (x *mockExchange) Response(ctx context.Context) (any, error) {
	if x.t.gate != nil {
		select {
		case <-x.t.gate:
		case <-x.abort:
			return nil, ErrAborted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case <-x.abort:
		return nil, ErrAborted
	default:
	}

	x.mu.Lock()
	listeners := append([]func(total, loaded int64){}, x.download...)
	x.mu.Unlock()
	for _, p := range x.t.progress {
		for _, fn := range listeners {
			fn(p.Total, p.Loaded)
		}
	}

	value, header, err := x.t.respond(x.elements)
	x.mu.Lock()
	x.header = header
	x.mu.Unlock()
	return value, err
}

func (x *mockExchange) Headers(context.Context) (http.Header, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.header, nil
}

func (x *mockExchange) OnDownload(fn func(total, loaded int64)) {
	x.mu.Lock()
	x.download = append(x.download, fn)
	x.mu.Unlock()
}

func (x *mockExchange) Abort() {
	x.once.Do(func() {
		close(x.abort)
		x.t.mu.Lock()
		x.t.aborted++
		x.t.mu.Unlock()
	})
}

// fakeScheduler fires timers only when Advance moves its clock past them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now + d, seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and runs every timer that became
// due, in deadline order, outside the scheduler lock.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*fakeTimer
	var pending []*fakeTimer
	for _, t := range s.timers {
		switch {
		case t.stopped || t.fired:
		case t.at <= s.now:
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	s.timers = pending
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.f()
	}
}

// Pending returns how many timers are armed.
func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func waiters(inst *Instance, key string) int {
	call := inst.coordinator.tracker.lookup(key)
	if call == nil {
		return 0
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	return call.waiters
}
