package alova

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Progress reports how much of a response body has been received. Total
// is -1 when the size is unknown.
type Progress struct {
	Total  int64
	Loaded int64
}

// RequestElements is the transport-level view of a Method.
type RequestElements struct {
	Verb    Verb
	URL     string
	Header  http.Header
	Body    any
	Timeout time.Duration
}

// Exchange is one running transport call.
type Exchange interface {
	// Response blocks until the raw response is available.
	Response(ctx context.Context) (any, error)
	// Headers blocks until response headers are available.
	Headers(ctx context.Context) (http.Header, error)
	// OnDownload registers a progress callback.
	OnDownload(fn func(total, loaded int64))
	// Abort cancels the call; Response then fails with ErrAborted.
	Abort()
}

// Transport performs network I/O for a Method. Implementations must
// enforce elements.Timeout and report its expiry with ErrTimeout.
type Transport interface {
	Execute(elements RequestElements, m *Method) Exchange
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(elements RequestElements, m *Method) Exchange

func (f TransportFunc) Execute(elements RequestElements, m *Method) Exchange {
	return f(elements, m)
}

// BeforeRequestFunc runs on the executing goroutine before the transport
// is invoked. It may edit elements; an error fails the request.
type BeforeRequestFunc func(m *Method, elements *RequestElements) error

// RespondedHooks post-process raw transport outcomes before the
// per-method TransformData. OnSuccess turns a raw response into data.
// OnError may return a replacement value with a nil error to recover; a
// recovered value is delivered but never cached.
type RespondedHooks struct {
	OnSuccess func(raw any, m *Method) (any, error)
	OnError   func(err error, m *Method) (any, error)
}

func buildElements(m *Method) RequestElements {
	header := make(http.Header, len(m.headers))
	for k, v := range m.headers {
		header.Set(k, v)
	}

	return RequestElements{
		Verb:    m.verb,
		URL:     withQuery(m.FullURL(), m.params),
		Header:  header,
		Body:    m.body,
		Timeout: m.timeout,
	}
}

// withQuery appends params to rawURL in key order. Slice values become
// repeated parameters and nil values are skipped.
func withQuery(rawURL string, params map[string]any) string {
	if len(params) == 0 {
		return rawURL
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		v := params[k]
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < rv.Len(); i++ {
				values.Add(k, fmt.Sprint(rv.Index(i).Interface()))
			}
			continue
		}
		values.Add(k, fmt.Sprint(v))
	}

	query := values.Encode()
	if query == "" {
		return rawURL
	}

	fragment := ""
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL, fragment = rawURL[:i], rawURL[i:]
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + query + fragment
}
