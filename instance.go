package alova

import (
	"strconv"
	"sync/atomic"
	"time"
)

var instanceCounter atomic.Uint64

// Instance is an explicitly constructed request context. It owns the
// response cache namespace, the in-flight tracker and the defaults applied
// to every method it creates. Independent instances never share state
// unless they are given the same ResponseCache and ID.
type Instance struct {
	id           string
	baseURL      string
	timeout      time.Duration
	shareRequest bool
	localCache   map[Verb]*CachePolicy

	storage   Storage
	cache     *ResponseCache
	transport Transport

	beforeRequest BeforeRequestFunc
	responded     RespondedHooks

	coordinator   *Coordinator
	invalidator   *HitSourceInvalidator
	snapshots     *snapshotRegistry
	snapshotLimit int
	scheduler     Scheduler

	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig
	now     func() time.Time

	validationError error
}

// Option configures an Instance.
type Option func(*Instance)

// DefaultLocalCache returns the default per-verb cache policies: GET
// responses are kept for five minutes, other verbs are not cached.
func DefaultLocalCache() map[Verb]*CachePolicy {
	return map[Verb]*CachePolicy{
		VerbGet: CacheFor(5 * time.Minute),
	}
}

// New constructs an Instance. A best effort validation is performed; call
// IsValid / ValidationError for errors.
func New(options ...Option) *Instance {
	inst := &Instance{
		id:            "alova-" + strconv.FormatUint(instanceCounter.Add(1), 10),
		timeout:       0,
		shareRequest:  true,
		localCache:    DefaultLocalCache(),
		transport:     NewHTTPTransport(nil),
		snapshotLimit: defaultSnapshotLimit,
		scheduler:     NewRealScheduler(),
		debug:         DefaultDebugConfig(),
		now:           time.Now,
	}

	for _, option := range options {
		option(inst)
	}

	if inst.cache == nil {
		cacheOptions := []CacheOption{
			WithCacheClock(inst.now),
			WithCacheMetrics(inst.metrics),
		}
		if inst.storage != nil {
			cacheOptions = append(cacheOptions, WithCacheStorage(inst.storage))
		}
		if inst.logger != nil {
			cacheOptions = append(cacheOptions, WithCacheLogger(inst.logger))
		}
		inst.cache = NewResponseCache(cacheOptions...)
	}
	inst.snapshots = newSnapshotRegistry(inst.snapshotLimit)
	inst.invalidator = &HitSourceInvalidator{inst: inst}
	inst.coordinator = newCoordinator(inst)

	if err := inst.ValidateConfiguration(); err != nil {
		inst.validationError = err
		if inst.logger != nil {
			inst.logger.Warn("Invalid alova configuration", "context", inst.id, "error", err)
		}
	}

	return inst
}

// ID returns the context identifier that namespaces the cache.
func (i *Instance) ID() string {
	return i.id
}

// Cache returns the response cache.
func (i *Instance) Cache() *ResponseCache {
	return i.cache
}

// Coordinator returns the request coordinator.
func (i *Instance) Coordinator() *Coordinator {
	return i.coordinator
}

// Metrics returns the metrics collector, if any.
func (i *Instance) Metrics() *MetricsCollector {
	return i.metrics
}

// IsValid reports whether the configuration passed validation.
func (i *Instance) IsValid() bool {
	return i.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (i *Instance) ValidationError() error {
	return i.validationError
}

// SetCache stores value for m under m's own cache policy, or five
// minutes when m is not cacheable.
func (i *Instance) SetCache(m *Method, value any) {
	policy := m.CachePolicy()
	if !policy.Enabled() {
		policy = *CacheFor(5 * time.Minute)
	}
	i.SetCacheWithPolicy(m, value, policy)
}

// SetCacheWithPolicy stores value for m under policy.
func (i *Instance) SetCacheWithPolicy(m *Method, value any, policy CachePolicy) {
	i.cache.Set(i.id, m.Key(), value, policy)
	i.snapshots.record(m)
	if i.debug != nil && i.debug.Enabled && i.debug.LogCache && i.logger != nil {
		i.logger.Debug("Cache set", "context", i.id, "url", m.FullURL(), "policy", policy.String())
	}
}

// GetCache returns the live cached value for m.
func (i *Instance) GetCache(m *Method) (any, bool) {
	entry, ok := i.cache.Get(i.id, m.Key())
	if !ok {
		return nil, false
	}
	return deliver(entry.Value), true
}

// InvalidateCache removes the entries of methods. With no methods it
// clears the whole context.
func (i *Instance) InvalidateCache(methods ...*Method) {
	if len(methods) == 0 {
		n := i.cache.Len(i.id)
		i.cache.Clear(i.id)
		i.metrics.RecordInvalidation("manual", n)
		return
	}
	for _, m := range methods {
		i.cache.Invalidate(i.id, m.Key())
	}
	i.metrics.RecordInvalidation("manual", len(methods))
}

// InvalidateMatching removes the entries of every known method matched
// by ref and returns how many were removed.
func (i *Instance) InvalidateMatching(ref HitSourceRef) int {
	keys := i.invalidator.resolve([]HitSourceRef{ref})
	for key := range keys {
		i.cache.Invalidate(i.id, key)
	}
	i.metrics.RecordInvalidation("manual", len(keys))
	return len(keys)
}

// Snapshots returns how many methods are remembered for hit-source
// matching.
func (i *Instance) Snapshots() int {
	return i.snapshots.len()
}
