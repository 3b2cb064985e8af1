package alova

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

func TestDefaults(t *testing.T) {
	inst := New()

	if !inst.IsValid() {
		t.Fatalf("default instance invalid: %v", inst.ValidationError())
	}
	if !strings.HasPrefix(inst.ID(), "alova-") {
		t.Errorf("ID() = %q", inst.ID())
	}
	if !inst.shareRequest || inst.timeout != 0 {
		t.Error("requests are shared and untimed by default")
	}
	if p := inst.localCache[VerbGet]; p == nil || p.TTL != 5*time.Minute {
		t.Errorf("GET default policy = %v", p)
	}
	if inst.localCache[VerbPost] != nil {
		t.Error("POST is not cached by default")
	}
	if _, ok := inst.transport.(*HTTPTransport); !ok {
		t.Errorf("transport = %T, want *HTTPTransport", inst.transport)
	}
	if inst.metrics != nil || inst.logger != nil {
		t.Error("metrics and logging are off by default")
	}
}

func TestNewAssignsDistinctIDs(t *testing.T) {
	if New().ID() == New().ID() {
		t.Error("instances should get distinct IDs")
	}
}

func TestWithBaseURLAndTimeout(t *testing.T) {
	inst := New(WithBaseURL("https://api.example.com"), WithTimeout(3*time.Second), WithShareRequest(false))

	if inst.baseURL != "https://api.example.com" {
		t.Errorf("baseURL = %q", inst.baseURL)
	}
	if inst.timeout != 3*time.Second {
		t.Errorf("timeout = %v", inst.timeout)
	}
	if inst.shareRequest {
		t.Error("WithShareRequest(false) not applied")
	}

	m := inst.Get("/todos")
	if m.FullURL() != "https://api.example.com/todos" || m.Timeout() != 3*time.Second || m.ShareRequest() {
		t.Errorf("method did not inherit defaults: %s %v %v", m.FullURL(), m.Timeout(), m.ShareRequest())
	}
}

func TestWithLocalCache(t *testing.T) {
	inst := New(
		WithLocalCache(VerbPost, CacheFor(time.Minute)),
		WithLocalCache(VerbGet, nil),
	)

	if inst.localCache[VerbGet] != nil {
		t.Error("a nil policy should remove the GET default")
	}
	if p := inst.localCache[VerbPost]; p == nil || p.TTL != time.Minute {
		t.Errorf("POST policy = %v", p)
	}

	inst = New(WithoutLocalCache())
	if len(inst.localCache) != 0 {
		t.Errorf("localCache = %v, want empty", inst.localCache)
	}
	if inst.Get("/x").CachePolicy().Enabled() {
		t.Error("methods should not cache without defaults")
	}
}

func TestWithIDs(t *testing.T) {
	if New(WithID("tenant-a")).ID() != "tenant-a" {
		t.Error("WithID not applied")
	}

	id := New(WithRandomID()).ID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("WithRandomID() = %q, not a UUID: %v", id, err)
	}
}

func TestWithCollaborators(t *testing.T) {
	transport := newMockTransport()
	scheduler := newFakeScheduler()
	clock := newFakeClock()
	storage := NewMemoryStorage()
	before := func(*Method, *RequestElements) error { return nil }

	inst := New(
		WithTransport(transport),
		WithScheduler(scheduler),
		WithClock(clock.Now),
		WithStorage(storage),
		WithBeforeRequest(before),
		WithResponded(JSONResponded()),
		WithSnapshotLimit(5),
	)

	if inst.transport != transport || inst.scheduler != scheduler || inst.storage != storage {
		t.Error("collaborators not applied")
	}
	if !inst.now().Equal(clock.Now()) {
		t.Error("WithClock not applied")
	}
	if inst.beforeRequest == nil || inst.responded.OnSuccess == nil {
		t.Error("hooks not applied")
	}
	if inst.snapshotLimit != 5 {
		t.Errorf("snapshotLimit = %d", inst.snapshotLimit)
	}
}

func TestWithResponseCacheSharesEntries(t *testing.T) {
	cache := NewResponseCache()
	a := New(WithResponseCache(cache), WithID("shared"))
	b := New(WithResponseCache(cache), WithID("shared"))
	c := New(WithResponseCache(cache))

	a.SetCache(a.Get("/todos"), "list")

	if v, ok := b.GetCache(b.Get("/todos")); !ok || v != "list" {
		t.Error("instances with the same ID should share entries")
	}
	if _, ok := c.GetCache(c.Get("/todos")); ok {
		t.Error("a different ID must not see the entries")
	}
}

func TestWithMetricsOptions(t *testing.T) {
	registry := prometheus.NewRegistry()
	inst := New(WithMetricsRegistry(registry))
	if inst.Metrics() == nil || inst.Metrics().GetRegistry() != registry {
		t.Error("WithMetricsRegistry not applied")
	}

	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	if New(WithMetricsCollector(collector)).Metrics() != collector {
		t.Error("WithMetricsCollector not applied")
	}
}

func TestWithDebugOptions(t *testing.T) {
	inst := New(WithDebug(), WithLogger(NewNopLogger()), WithRequestIDGenerator(func() string { return "id" }))
	if !inst.debug.Enabled || inst.debug.RequestIDGen() != "id" {
		t.Error("debug options not applied")
	}
	if !inst.IsValid() {
		t.Errorf("unexpected validation error: %v", inst.ValidationError())
	}

	custom := &DebugConfig{Enabled: true, LogCache: true, RequestIDGen: func() string { return "x" }}
	inst = New(WithDebugConfig(custom), WithDevelopmentLogger())
	if inst.debug != custom || inst.logger == nil {
		t.Error("WithDebugConfig/WithDevelopmentLogger not applied")
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		want    string
	}{
		{"negative timeout", []Option{WithTimeout(-time.Second)}, "timeout must be non-negative"},
		{"huge timeout", []Option{WithTimeout(time.Hour)}, "timeout > 10m"},
		{"nil transport", []Option{WithTransport(nil)}, "transport cannot be nil"},
		{"nil scheduler", []Option{WithScheduler(nil)}, "scheduler cannot be nil"},
		{"empty id", []Option{WithID("")}, "id cannot be empty"},
		{"zero snapshot limit", []Option{WithSnapshotLimit(0)}, "snapshotLimit must be positive"},
		{"huge snapshot limit", []Option{WithSnapshotLimit(2000000)}, "snapshotLimit > 1M"},
		{"negative cache TTL", []Option{WithLocalCache(VerbGet, &CachePolicy{TTL: -time.Second})}, "TTL must be non-negative"},
		{"debug without logger", []Option{WithDebug()}, "logger must be set"},
		{"debug without id generator", []Option{WithLogger(NewNopLogger()), WithDebugConfig(&DebugConfig{Enabled: true})}, "RequestIDGen must be set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := New(tt.options...)
			if inst.IsValid() {
				t.Fatal("expected the instance to be invalid")
			}

			err := inst.ValidationError()
			var reqErr *RequestError
			if !errors.As(err, &reqErr) || reqErr.Type != ErrorTypeValidation {
				t.Fatalf("error = %v, want a validation RequestError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}
