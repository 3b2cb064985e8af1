package alova

import (
	"context"
	"maps"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Verb is an HTTP-style request method.
type Verb string

const (
	VerbGet     Verb = http.MethodGet
	VerbHead    Verb = http.MethodHead
	VerbPost    Verb = http.MethodPost
	VerbPut     Verb = http.MethodPut
	VerbPatch   Verb = http.MethodPatch
	VerbDelete  Verb = http.MethodDelete
	VerbOptions Verb = http.MethodOptions
)

// TransformFunc converts response data into the value handed to callers
// and stored in the cache.
type TransformFunc func(data any, header http.Header) (any, error)

// MethodConfig carries the per-request options accepted by the verb
// factories. Unset fields fall back to the owning Instance defaults.
type MethodConfig struct {
	Params        map[string]any
	Headers       map[string]string
	Timeout       time.Duration
	ShareRequest  *bool
	LocalCache    *CachePolicy
	HitSource     []HitSourceRef
	TransformData TransformFunc
	Name          string
}

// HitSourceRef declares that a successful request invalidates the cache
// entries of other methods. It matches by name, by URL pattern, or by the
// key of a concrete method.
type HitSourceRef struct {
	name    string
	pattern *regexp.Regexp
	key     string
}

// HitName matches methods whose name equals name.
func HitName(name string) HitSourceRef {
	return HitSourceRef{name: name}
}

// HitPattern matches methods whose URL or name matches re.
func HitPattern(re *regexp.Regexp) HitSourceRef {
	return HitSourceRef{pattern: re}
}

// HitMethod matches methods with the same key as m.
func HitMethod(m *Method) HitSourceRef {
	return HitSourceRef{key: m.Key()}
}

func (r HitSourceRef) String() string {
	switch {
	case r.key != "":
		return "key:" + r.key
	case r.pattern != nil:
		return "pattern:" + r.pattern.String()
	default:
		return "name:" + r.name
	}
}

func (r HitSourceRef) matches(m *Method) bool {
	switch {
	case r.key != "":
		return m.Key() == r.key
	case r.pattern != nil:
		if r.pattern.MatchString(m.URL()) || r.pattern.MatchString(m.FullURL()) {
			return true
		}
		name := m.Name()
		return name != "" && r.pattern.MatchString(name)
	default:
		return r.name != "" && m.Name() == r.name
	}
}

// Method describes one request before it is executed. It is immutable
// after construction except for SetName.
type Method struct {
	verb      Verb
	baseURL   string
	url       string
	body      any
	params    map[string]any
	headers   map[string]string
	timeout   time.Duration
	share     bool
	cache     CachePolicy
	hitSource []HitSourceRef
	transform TransformFunc
	instance  *Instance

	keyOnce sync.Once
	key     string

	mu   sync.RWMutex
	name string
	call *inflightCall
}

func newMethod(inst *Instance, verb Verb, url string, body any, configs []MethodConfig) *Method {
	var cfg MethodConfig
	if len(configs) > 0 {
		cfg = configs[0]
	}

	m := &Method{
		verb:      verb,
		baseURL:   inst.baseURL,
		url:       url,
		body:      body,
		params:    map[string]any{},
		headers:   map[string]string{},
		timeout:   inst.timeout,
		share:     inst.shareRequest,
		hitSource: append([]HitSourceRef(nil), cfg.HitSource...),
		transform: cfg.TransformData,
		instance:  inst,
		name:      cfg.Name,
	}

	if cfg.Params != nil {
		m.params = maps.Clone(cfg.Params)
	}
	if cfg.Headers != nil {
		m.headers = maps.Clone(cfg.Headers)
	}
	if cfg.Timeout > 0 {
		m.timeout = cfg.Timeout
	}
	if cfg.ShareRequest != nil {
		m.share = *cfg.ShareRequest
	}

	switch {
	case cfg.LocalCache != nil:
		m.cache = *cfg.LocalCache
	case inst.localCache[verb] != nil:
		m.cache = *inst.localCache[verb]
	}

	return m
}

// Get creates a GET method.
func (i *Instance) Get(url string, config ...MethodConfig) *Method {
	return newMethod(i, VerbGet, url, nil, config)
}

// Head creates a HEAD method.
func (i *Instance) Head(url string, config ...MethodConfig) *Method {
	return newMethod(i, VerbHead, url, nil, config)
}

// Options creates an OPTIONS method.
func (i *Instance) Options(url string, config ...MethodConfig) *Method {
	return newMethod(i, VerbOptions, url, nil, config)
}

// Post creates a POST method carrying body.
func (i *Instance) Post(url string, body any, config ...MethodConfig) *Method {
	return newMethod(i, VerbPost, url, body, config)
}

// Put creates a PUT method carrying body.
func (i *Instance) Put(url string, body any, config ...MethodConfig) *Method {
	return newMethod(i, VerbPut, url, body, config)
}

// Patch creates a PATCH method carrying body.
func (i *Instance) Patch(url string, body any, config ...MethodConfig) *Method {
	return newMethod(i, VerbPatch, url, body, config)
}

// Delete creates a DELETE method carrying body.
func (i *Instance) Delete(url string, body any, config ...MethodConfig) *Method {
	return newMethod(i, VerbDelete, url, body, config)
}

// Verb returns the HTTP verb the method sends with.
func (m *Method) Verb() Verb { return m.verb }

// BaseURL returns the base URL inherited from the instance.
func (m *Method) BaseURL() string { return m.baseURL }

// URL returns the method's path, relative to BaseURL.
func (m *Method) URL() string { return m.url }

// Body returns the request body, or nil when the method has none.
func (m *Method) Body() any { return m.body }

// Timeout returns the per-request timeout; zero means no timeout.
func (m *Method) Timeout() time.Duration { return m.timeout }

// ShareRequest reports whether identical in-flight sends are deduplicated.
func (m *Method) ShareRequest() bool { return m.share }

// Instance returns the instance that created the method.
func (m *Method) Instance() *Instance { return m.instance }

// Params returns a copy of the query parameters.
func (m *Method) Params() map[string]any { return maps.Clone(m.params) }

// Headers returns a copy of the request headers.
func (m *Method) Headers() map[string]string { return maps.Clone(m.headers) }

// CachePolicy returns the effective local cache policy.
func (m *Method) CachePolicy() CachePolicy { return m.cache }

// HitSource returns the declared invalidation relations.
func (m *Method) HitSource() []HitSourceRef {
	return append([]HitSourceRef(nil), m.hitSource...)
}

// FullURL joins the base URL and the method URL.
func (m *Method) FullURL() string {
	return joinURL(m.baseURL, m.url)
}

// Key returns the fingerprint used for caching and de-duplication.
func (m *Method) Key() string {
	m.keyOnce.Do(func() {
		m.key = DeriveKey(m)
	})
	return m.key
}

// Name returns the lookup name, if any.
func (m *Method) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// SetName attaches or replaces the lookup name used by hit sources.
func (m *Method) SetName(name string) {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
}

// Send issues the request through the owning instance.
func (m *Method) Send(ctx context.Context, forceRequest bool) (*Result, error) {
	return m.instance.coordinator.Send(ctx, m, forceRequest)
}

// Abort cancels the in-flight request this method is attached to. Every
// caller sharing that request receives an abort error.
func (m *Method) Abort() {
	m.instance.coordinator.Abort(m)
}

func (m *Method) attach(call *inflightCall) {
	m.mu.Lock()
	m.call = call
	m.mu.Unlock()
}

func (m *Method) currentCall() *inflightCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.call
}

// endpoint is the low-cardinality label used for metrics.
func (m *Method) endpoint() string {
	u := m.url
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if u == "" {
		return "/"
	}
	return u
}

func joinURL(base, url string) string {
	if strings.Contains(url, "://") || base == "" {
		return url
	}
	if url == "" {
		return strings.TrimRight(base, "/")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(url, "/")
}
