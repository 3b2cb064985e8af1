package alova

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is the settled outcome of a send.
type Result struct {
	Data      any
	FromCache bool
	Header    http.Header
}

// Cloner is implemented by one-shot values that must be duplicated for
// every caller sharing a response.
type Cloner interface {
	Clone() any
}

// Coordinator runs sends for one Instance: read-through cache, request
// sharing and cache writes.
type Coordinator struct {
	inst    *Instance
	tracker *DeduplicationTracker
}

func newCoordinator(inst *Instance) *Coordinator {
	return &Coordinator{
		inst:    inst,
		tracker: NewDeduplicationTracker(),
	}
}

// InFlight returns the number of shared calls currently running.
func (c *Coordinator) InFlight() int {
	return c.tracker.Len()
}

// Send resolves m from the cache or the transport. With forceRequest the
// cache read is skipped; the response is still written.
func (c *Coordinator) Send(ctx context.Context, m *Method, forceRequest bool) (*Result, error) {
	return c.send(ctx, m, forceRequest, nil)
}

func (c *Coordinator) send(ctx context.Context, m *Method, forceRequest bool, onProgress func(Progress)) (*Result, error) {
	inst := c.inst
	key := m.Key()
	verb, endpoint := string(m.Verb()), m.endpoint()
	policy := m.CachePolicy()

	if !forceRequest && policy.Enabled() {
		if entry, found := inst.cache.Get(inst.id, key); found && !entry.Placeholder {
			if inst.debug != nil && inst.debug.Enabled && inst.debug.LogCache && inst.logger != nil {
				inst.logger.Debug("Cache hit", "context", inst.id, "verb", verb, "url", m.FullURL())
			}
			inst.metrics.RecordCacheHit(verb, endpoint)
			return &Result{Data: deliver(entry.Value), FromCache: true}, nil
		}
		inst.metrics.RecordCacheMiss(verb, endpoint)
		if inst.debug != nil && inst.debug.Enabled && inst.debug.LogCache && inst.logger != nil {
			inst.logger.Debug("Cache miss", "context", inst.id, "verb", verb, "url", m.FullURL())
		}
	}

	call, owner := c.tracker.acquire(key, m.ShareRequest())
	m.attach(call)
	if owner {
		var requestID string
		if inst.debug != nil && inst.debug.Enabled && inst.debug.RequestIDGen != nil {
			requestID = inst.debug.RequestIDGen()
		}
		go c.execute(call, m, requestID)
	} else {
		inst.metrics.RecordDeduplicationHit(verb, endpoint)
		if inst.debug != nil && inst.debug.Enabled && inst.debug.LogRequests && inst.logger != nil {
			inst.logger.Debug("Attached to shared request", "verb", verb, "url", m.FullURL())
		}
	}

	unsubscribe := call.onProgress(onProgress)
	defer unsubscribe()

	start := inst.now()
	err := call.wait(ctx)
	remaining := call.leave()
	if !call.isSettled() {
		// The caller gave up first; the last one to leave cancels the call.
		if remaining == 0 {
			c.abortCall(call, m)
		}
		return nil, c.normalizeError(err, "", m, start)
	}

	value, header, err := call.result()
	if err != nil {
		return nil, err
	}

	return &Result{Data: deliver(value), Header: header.Clone()}, nil
}

// Abort rejects every caller waiting on m's in-flight call.
func (c *Coordinator) Abort(m *Method) {
	call := m.currentCall()
	if call == nil || call.isSettled() {
		call = c.tracker.lookup(m.Key())
	}
	if call == nil {
		return
	}
	c.abortCall(call, m)
}

func (c *Coordinator) abortCall(call *inflightCall, m *Method) {
	inst := c.inst
	reqErr := c.newRequestError(ErrorTypeAbort, "request aborted", ErrAborted, "", m, inst.now())
	if !c.tracker.settle(call, nil, nil, reqErr, nil) {
		return
	}
	if x := call.currentExchange(); x != nil {
		x.Abort()
	}
	inst.metrics.RecordError(ErrorTypeAbort, string(m.Verb()), m.endpoint())
	if inst.debug != nil && inst.debug.Enabled && inst.debug.LogRequests && inst.logger != nil {
		inst.logger.Debug("Request aborted", "verb", m.Verb(), "url", m.FullURL())
	}
}

// execute runs the transport for an owned call and settles it.
func (c *Coordinator) execute(call *inflightCall, m *Method, requestID string) {
	inst := c.inst
	start := inst.now()
	verb, endpoint := string(m.Verb()), m.endpoint()

	if inst.debug != nil && inst.debug.Enabled && inst.debug.LogRequests && inst.logger != nil {
		inst.logger.Debug("Starting request", "requestID", requestID, "verb", verb, "url", m.FullURL(), "endpoint", endpoint)
	}
	inst.metrics.RecordRequestStart(verb, endpoint)
	defer inst.metrics.RecordRequestEnd(verb, endpoint)

	value, header, cacheable, err := c.run(call, m, requestID, start)

	outcome := "success"
	if err != nil {
		reqErr := c.normalizeError(err, requestID, m, start)
		outcome = strings.ToLower(reqErr.Type)
		if c.tracker.settle(call, nil, nil, reqErr, nil) {
			inst.metrics.RecordError(reqErr.Type, verb, endpoint)
			if inst.debug != nil && inst.debug.Enabled && inst.debug.LogRequests && inst.logger != nil {
				inst.logger.Error("Request failed", "requestID", requestID, "error", reqErr.Error(), "duration", time.Since(start))
			}
		} else {
			outcome = "abort"
		}
	} else {
		commit := func() {
			c.commit(m, value, cacheable)
		}
		if !c.tracker.settle(call, value, header, nil, commit) {
			outcome = "abort"
		} else if inst.debug != nil && inst.debug.Enabled && inst.debug.LogRequests && inst.logger != nil {
			inst.logger.Debug("Request completed", "requestID", requestID, "duration", time.Since(start))
		}
	}

	inst.metrics.RecordRequest(verb, endpoint, outcome, inst.now().Sub(start))
}

// run performs one transport exchange and the response pipeline. A panic
// anywhere in user hooks fails only this call.
func (c *Coordinator) run(call *inflightCall, m *Method, requestID string, start time.Time) (value any, header http.Header, cacheable bool, err error) {
	inst := c.inst
	defer func() {
		if r := recover(); r != nil {
			value, header, cacheable = nil, nil, false
			err = c.newRequestError(ErrorTypeTransform, "response handler panicked", fmt.Errorf("panic: %v", r), requestID, m, start)
		}
	}()

	elements := buildElements(m)
	if inst.beforeRequest != nil {
		if err := inst.beforeRequest(m, &elements); err != nil {
			return nil, nil, false, c.newRequestError(ErrorTypeValidation, "request rejected before sending", err, requestID, m, start)
		}
	}

	x := inst.transport.Execute(elements, m)
	if !call.setExchange(x) {
		x.Abort()
		return nil, nil, false, ErrAborted
	}
	x.OnDownload(call.emitProgress)

	ctx := context.Background()
	raw, err := x.Response(ctx)
	if err != nil {
		if errors.Is(err, ErrAborted) || inst.responded.OnError == nil {
			return nil, nil, false, err
		}
		recovered, herr := inst.responded.OnError(err, m)
		if herr != nil {
			if errors.Is(herr, err) {
				return nil, nil, false, herr
			}
			return nil, nil, false, c.newRequestError(ErrorTypeTransform, "error handler failed", herr, requestID, m, start)
		}
		raw, cacheable = recovered, false
	} else {
		cacheable = true
		header, _ = x.Headers(ctx)
		if inst.responded.OnSuccess != nil {
			raw, err = inst.responded.OnSuccess(raw, m)
			if err != nil {
				return nil, nil, false, c.transformFailure(err, "response handler failed", requestID, m, start)
			}
		}
	}

	if m.transform != nil {
		raw, err = m.transform(raw, header)
		if err != nil {
			return nil, nil, false, c.transformFailure(err, "transformData failed", requestID, m, start)
		}
	}

	value, err = share(raw)
	if err != nil {
		return nil, nil, false, err
	}
	return value, header, cacheable, nil
}

// transformFailure keeps transport-shaped errors (status errors, request
// errors) and classifies everything else as a transform failure.
func (c *Coordinator) transformFailure(err error, message, requestID string, m *Method, start time.Time) error {
	var statusErr *StatusError
	var reqErr *RequestError
	if errors.As(err, &statusErr) || errors.As(err, &reqErr) {
		return err
	}
	return c.newRequestError(ErrorTypeTransform, message, err, requestID, m, start)
}

// commit writes the cache and evicts hit-source dependents. It runs
// before waiters observe the value.
func (c *Coordinator) commit(m *Method, value any, cacheable bool) {
	inst := c.inst
	if cacheable {
		inst.cache.Set(inst.id, m.Key(), value, m.CachePolicy())
	}
	inst.snapshots.record(m)
	if n := inst.invalidator.OnSettled(m); n > 0 {
		if inst.debug != nil && inst.debug.Enabled && inst.debug.LogCache && inst.logger != nil {
			inst.logger.Debug("Hit source invalidation", "source", m.FullURL(), "invalidated", n)
		}
	}
}

// bufferedResponse holds a response whose body was read once so it can be
// handed to several callers.
type bufferedResponse struct {
	resp *http.Response
	body []byte
}

func (b *bufferedResponse) response() *http.Response {
	cp := *b.resp
	cp.Header = b.resp.Header.Clone()
	cp.Body = io.NopCloser(bytes.NewReader(b.body))
	cp.ContentLength = int64(len(b.body))
	return &cp
}

// MarshalJSON keeps buffered responses out of persistent storage.
func (b *bufferedResponse) MarshalJSON() ([]byte, error) {
	return nil, errors.New("alova: raw responses are not persisted")
}

// share prepares a settled value for fan-out to every waiter. Body size
// limits belong to the transport; the body is buffered whole.
func share(v any) (any, error) {
	resp, ok := v.(*http.Response)
	if !ok || resp == nil {
		return v, nil
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		body = data
	}
	return &bufferedResponse{resp: resp, body: body}, nil
}

// deliver hands one caller its own copy of stream-typed values; all other
// values are reference-shared.
func deliver(v any) any {
	switch t := v.(type) {
	case *bufferedResponse:
		return t.response()
	case Cloner:
		return t.Clone()
	default:
		return v
	}
}
