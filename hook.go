package alova

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RequestHandler builds the method for one send from its arguments.
type RequestHandler func(args ...any) (*Method, error)

// MethodHandler returns a handler that always sends m.
func MethodHandler(m *Method) RequestHandler {
	return func(...any) (*Method, error) {
		return m, nil
	}
}

// HookOptions configure UseRequest, UseWatcher and UseFetcher.
type HookOptions struct {
	// Manual suppresses the initial send of UseRequest.
	Manual bool
	// Immediate makes UseWatcher fire once at registration.
	Immediate bool
	// InitialData seeds Data before the first response.
	InitialData any
	// Force decides per send whether to bypass the cache.
	Force func(args ...any) bool
	// Debounce and DebounceEach are forwarded to the watcher.
	Debounce     time.Duration
	DebounceEach []time.Duration
}

// Completion statuses carried by CompleteEvent.
const (
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// SuccessEvent is emitted after a send succeeds.
type SuccessEvent struct {
	Method    *Method
	SendArgs  []any
	Data      any
	FromCache bool
}

// ErrorEvent is emitted after a send fails.
type ErrorEvent struct {
	Method   *Method
	SendArgs []any
	Error    error
}

// CompleteEvent is emitted after every send, successful or not.
type CompleteEvent struct {
	Method    *Method
	SendArgs  []any
	Status    string
	Data      any
	Error     error
	FromCache bool
}

// RequestHook binds sends to observable state. Only the most recent send
// updates the state; earlier sends still emit events.
type RequestHook struct {
	Loading     *Ref[bool]
	Data        *Ref[any]
	Error       *Ref[error]
	Downloading *Ref[Progress]

	inst     *Instance
	handler  RequestHandler
	force    func(args ...any) bool
	bindData bool

	mu               sync.Mutex
	seq              uint64
	current          *Method
	watcher          *Watcher
	successHandlers  []func(SuccessEvent)
	errorHandlers    []func(ErrorEvent)
	completeHandlers []func(CompleteEvent)
}

func newRequestHook(inst *Instance, handler RequestHandler, opts HookOptions, bindData bool) *RequestHook {
	return &RequestHook{
		Loading:     NewRef(false),
		Data:        NewRef[any](opts.InitialData),
		Error:       NewRef[error](nil),
		Downloading: NewRef(Progress{}),
		inst:        inst,
		handler:     handler,
		force:       opts.Force,
		bindData:    bindData,
	}
}

// UseRequest creates a hook around handler. Unless opts.Manual is set it
// sends once right away with no arguments.
func (i *Instance) UseRequest(handler RequestHandler, opts HookOptions) *RequestHook {
	h := newRequestHook(i, handler, opts, true)
	if !opts.Manual {
		h.dispatch(nil)
	}
	return h
}

// UseWatcher creates a hook that sends whenever sources change. The
// handler receives the watched values as its arguments.
func (i *Instance) UseWatcher(handler RequestHandler, sources []Source, opts HookOptions) (*RequestHook, error) {
	h := newRequestHook(i, handler, opts, true)

	policy := WatchPolicy{
		Debounce:     opts.Debounce,
		DebounceEach: opts.DebounceEach,
		Immediate:    opts.Immediate,
		Force:        opts.Force,
	}
	w, err := i.Watch(sources, MethodFactory(handler), policy, func(m *Method, force bool, values []any) {
		h.start(m, force, values)
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.watcher = w
	h.mu.Unlock()
	return h, nil
}

// UseFetcher creates a hook for sends whose data is consumed elsewhere,
// typically to warm the cache. Data is never bound.
func (i *Instance) UseFetcher(opts HookOptions) *RequestHook {
	return newRequestHook(i, nil, opts, false)
}

// OnSuccess registers fn for success events.
func (h *RequestHook) OnSuccess(fn func(SuccessEvent)) *RequestHook {
	h.mu.Lock()
	h.successHandlers = append(h.successHandlers, fn)
	h.mu.Unlock()
	return h
}

// OnError registers fn for error events.
func (h *RequestHook) OnError(fn func(ErrorEvent)) *RequestHook {
	h.mu.Lock()
	h.errorHandlers = append(h.errorHandlers, fn)
	h.mu.Unlock()
	return h
}

// OnComplete registers fn for completion events.
func (h *RequestHook) OnComplete(fn func(CompleteEvent)) *RequestHook {
	h.mu.Lock()
	h.completeHandlers = append(h.completeHandlers, fn)
	h.mu.Unlock()
	return h
}

// Send builds a method from args and waits for its result.
func (h *RequestHook) Send(ctx context.Context, args ...any) (any, error) {
	if h.handler == nil {
		return nil, newConfigurationError("hook has no request handler, use Fetch", nil)
	}
	m, err := h.build(args)
	if err != nil {
		h.fail(nil, args, err)
		return nil, err
	}
	return h.run(ctx, m, h.shouldForce(args), args)
}

// Fetch sends m without binding its data to the hook.
func (h *RequestHook) Fetch(ctx context.Context, m *Method) (any, error) {
	return h.run(ctx, m, h.shouldForce(nil), nil)
}

// Abort cancels the request of the most recent send.
func (h *RequestHook) Abort() {
	h.mu.Lock()
	m := h.current
	h.mu.Unlock()
	if m != nil {
		m.Abort()
	}
}

// StatePatch mutates hook state out of band.
type StatePatch func(h *RequestHook)

func PatchData(v any) StatePatch { return func(h *RequestHook) { h.Data.Set(v) } }
func PatchLoading(b bool) StatePatch { return func(h *RequestHook) { h.Loading.Set(b) } }
func PatchError(err error) StatePatch { return func(h *RequestHook) { h.Error.Set(err) } }
func PatchDownloading(p Progress) StatePatch { return func(h *RequestHook) { h.Downloading.Set(p) } }

// Update applies patches in order.
func (h *RequestHook) Update(patches ...StatePatch) {
	for _, patch := range patches {
		patch(h)
	}
}

// Watcher returns the watcher driving a UseWatcher hook.
func (h *RequestHook) Watcher() *Watcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watcher
}

// Stop detaches a UseWatcher hook from its sources.
func (h *RequestHook) Stop() {
	if w := h.Watcher(); w != nil {
		w.Stop()
	}
}

func (h *RequestHook) build(args []any) (m *Method, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, newConfigurationError("request handler panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	m, err = h.handler(args...)
	if err == nil && m == nil {
		err = errors.New("alova: request handler returned nil")
	}
	if err != nil {
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			err = newConfigurationError("request handler failed", err)
		}
	}
	return m, err
}

func (h *RequestHook) shouldForce(args []any) bool {
	return h.force != nil && h.force(args...)
}

// dispatch sends in the background, as done for the initial send.
func (h *RequestHook) dispatch(args []any) {
	m, err := h.build(args)
	if err != nil {
		h.fail(nil, args, err)
		return
	}
	h.start(m, h.shouldForce(args), args)
}

// start sets loading state synchronously and sends on a new goroutine.
func (h *RequestHook) start(m *Method, force bool, args []any) {
	seq := h.begin(m)
	go func() {
		res, err := h.inst.coordinator.send(context.Background(), m, force, h.progress(seq))
		h.finish(seq, m, args, res, err)
	}()
}

func (h *RequestHook) run(ctx context.Context, m *Method, force bool, args []any) (any, error) {
	seq := h.begin(m)
	res, err := h.inst.coordinator.send(ctx, m, force, h.progress(seq))
	h.finish(seq, m, args, res, err)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (h *RequestHook) begin(m *Method) uint64 {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.current = m
	h.mu.Unlock()

	h.Error.Set(nil)
	h.Loading.Set(true)
	h.Downloading.Set(Progress{})

	if h.bindData && m.CachePolicy().Enabled() {
		inst := h.inst
		if entry, ok := inst.cache.Get(inst.id, m.Key()); ok && entry.Placeholder {
			h.Data.Set(deliver(entry.Value))
		}
	}
	return seq
}

func (h *RequestHook) isLatest(seq uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq == seq
}

func (h *RequestHook) progress(seq uint64) func(Progress) {
	return func(p Progress) {
		if h.isLatest(seq) {
			h.Downloading.Set(p)
		}
	}
}

func (h *RequestHook) finish(seq uint64, m *Method, args []any, res *Result, err error) {
	if err != nil {
		if h.isLatest(seq) {
			h.Error.Set(err)
			h.Loading.Set(false)
		}
		h.emitError(m, args, err)
		return
	}

	if h.isLatest(seq) {
		if h.bindData {
			h.Data.Set(res.Data)
		}
		h.Loading.Set(false)
	}

	h.mu.Lock()
	successHandlers := append([]func(SuccessEvent){}, h.successHandlers...)
	completeHandlers := append([]func(CompleteEvent){}, h.completeHandlers...)
	h.mu.Unlock()

	for _, fn := range successHandlers {
		fn(SuccessEvent{Method: m, SendArgs: args, Data: res.Data, FromCache: res.FromCache})
	}
	for _, fn := range completeHandlers {
		fn(CompleteEvent{Method: m, SendArgs: args, Status: StatusSuccess, Data: res.Data, FromCache: res.FromCache})
	}
}

// fail reports a failure that happened before any request started.
func (h *RequestHook) fail(m *Method, args []any, err error) {
	h.mu.Lock()
	h.seq++
	h.mu.Unlock()

	h.Error.Set(err)
	h.Loading.Set(false)
	h.emitError(m, args, err)
}

func (h *RequestHook) emitError(m *Method, args []any, err error) {
	h.mu.Lock()
	errorHandlers := append([]func(ErrorEvent){}, h.errorHandlers...)
	completeHandlers := append([]func(CompleteEvent){}, h.completeHandlers...)
	h.mu.Unlock()

	for _, fn := range errorHandlers {
		fn(ErrorEvent{Method: m, SendArgs: args, Error: err})
	}
	for _, fn := range completeHandlers {
		fn(CompleteEvent{Method: m, SendArgs: args, Status: StatusFailed, Error: err})
	}
}
