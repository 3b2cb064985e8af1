package alova

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultMaxResponseBody is the largest response body HTTPTransport
// accepts unless configured otherwise.
const DefaultMaxResponseBody = 10 * 1024 * 1024

// HTTPTransport executes requests with net/http. The response body is
// read in full on the exchange goroutine, so Response hands back an
// *http.Response whose Body is already buffered. Bodies larger than the
// limit fail with ErrResponseTooLarge instead of being truncated.
type HTTPTransport struct {
	client  *http.Client
	maxBody int64
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithMaxResponseBody sets the body size limit in bytes
func WithMaxResponseBody(n int64) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.maxBody = n
	}
}

// NewHTTPTransport wraps client, or a default client when nil.
func NewHTTPTransport(client *http.Client, options ...HTTPTransportOption) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	t := &HTTPTransport{client: client, maxBody: DefaultMaxResponseBody}
	for _, option := range options {
		option(t)
	}
	if t.maxBody <= 0 {
		t.maxBody = DefaultMaxResponseBody
	}
	return t
}

// Execute starts the request and returns immediately.
func (t *HTTPTransport) Execute(elements RequestElements, _ *Method) Exchange {
	ctx, cancel := context.WithCancelCause(context.Background())
	x := &httpExchange{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	var timer *time.Timer
	if elements.Timeout > 0 {
		timer = time.AfterFunc(elements.Timeout, func() {
			cancel(ErrTimeout)
		})
	}

	go func() {
		defer close(x.done)
		if timer != nil {
			defer timer.Stop()
		}
		resp, err := t.do(ctx, elements, x)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && (errors.Is(cause, ErrTimeout) || errors.Is(cause, ErrAborted)) {
				err = cause
			}
		}
		x.resp, x.err = resp, err
	}()

	return x
}

func (t *HTTPTransport) do(ctx context.Context, elements RequestElements, x *httpExchange) (*http.Response, error) {
	body, contentType, err := encodeBody(elements.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, string(elements.Verb), elements.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range elements.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	x.setHeader(resp.Header.Clone())

	if resp.ContentLength > t.maxBody {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrResponseTooLarge, resp.ContentLength, t.maxBody)
	}

	// One byte past the limit tells a body of exactly maxBody bytes apart
	// from a longer one.
	pr := &progressReader{
		r:     io.LimitReader(resp.Body, t.maxBody+1),
		total: resp.ContentLength,
		emit:  x.emit,
	}
	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, t.maxBody)
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp, nil
}

// encodeBody maps a request body onto a reader. Readers, byte slices and
// strings are sent as is; url.Values are form encoded; anything else is
// JSON.
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case io.Reader:
		return b, "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("alova: encoding request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

type httpExchange struct {
	done   chan struct{}
	cancel context.CancelCauseFunc
	resp   *http.Response
	err    error

	mu        sync.Mutex
	header    http.Header
	listeners []func(total, loaded int64)
}

func (x *httpExchange) Response(ctx context.Context) (any, error) {
	select {
	case <-x.done:
		if x.err != nil {
			return nil, x.err
		}
		return x.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *httpExchange) Headers(ctx context.Context) (http.Header, error) {
	select {
	case <-x.done:
		if x.resp != nil {
			return x.resp.Header, nil
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.header != nil {
			return x.header, nil
		}
		return nil, x.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *httpExchange) OnDownload(fn func(total, loaded int64)) {
	if fn == nil {
		return
	}
	x.mu.Lock()
	x.listeners = append(x.listeners, fn)
	x.mu.Unlock()
}

func (x *httpExchange) Abort() {
	x.cancel(ErrAborted)
}

func (x *httpExchange) setHeader(h http.Header) {
	x.mu.Lock()
	x.header = h
	x.mu.Unlock()
}

func (x *httpExchange) emit(total, loaded int64) {
	x.mu.Lock()
	listeners := append([]func(total, loaded int64){}, x.listeners...)
	x.mu.Unlock()
	for _, fn := range listeners {
		fn(total, loaded)
	}
}

type progressReader struct {
	r      io.Reader
	total  int64
	loaded int64
	emit   func(total, loaded int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.emit(p.total, p.loaded)
	}
	return n, err
}

// StatusError is returned by JSONResponded for responses with a status
// code of 400 or above.
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("alova: unexpected status %s", e.Status)
}

// JSONResponded decodes successful *http.Response values as JSON and
// turns error statuses into *StatusError.
func JSONResponded() RespondedHooks {
	return RespondedHooks{
		OnSuccess: func(raw any, _ *Method) (any, error) {
			resp, ok := raw.(*http.Response)
			if !ok {
				return raw, nil
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			resp.Body = io.NopCloser(bytes.NewReader(data))
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: data}
			}
			if len(bytes.TrimSpace(data)) == 0 {
				return nil, nil
			}
			var out any
			if err := json.Unmarshal(data, &out); err != nil {
				return nil, fmt.Errorf("alova: decoding response: %w", err)
			}
			return out, nil
		},
	}
}
