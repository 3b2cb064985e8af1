package alova

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// WithBaseURL sets the base URL joined with every method URL
func WithBaseURL(baseURL string) Option {
	return func(i *Instance) {
		i.baseURL = baseURL
	}
}

// WithTimeout sets the default request timeout (zero means none)
func WithTimeout(d time.Duration) Option {
	return func(i *Instance) {
		i.timeout = d
	}
}

// WithShareRequest toggles request sharing for methods that don't set it
func WithShareRequest(share bool) Option {
	return func(i *Instance) {
		i.shareRequest = share
	}
}

// WithLocalCache sets the default cache policy for verb. A nil policy
// removes the default.
func WithLocalCache(verb Verb, policy *CachePolicy) Option {
	return func(i *Instance) {
		if i.localCache == nil {
			i.localCache = make(map[Verb]*CachePolicy)
		}
		if policy == nil {
			delete(i.localCache, verb)
			return
		}
		i.localCache[verb] = policy
	}
}

// WithoutLocalCache disables every default cache policy
func WithoutLocalCache() Option {
	return func(i *Instance) {
		i.localCache = make(map[Verb]*CachePolicy)
	}
}

// WithStorage mirrors the response cache into s
func WithStorage(s Storage) Option {
	return func(i *Instance) {
		i.storage = s
	}
}

// WithResponseCache shares an existing cache. Instances sharing a cache
// stay isolated unless they also share an ID.
func WithResponseCache(cache *ResponseCache) Option {
	return func(i *Instance) {
		i.cache = cache
	}
}

// WithTransport sets the transport adapter
func WithTransport(t Transport) Option {
	return func(i *Instance) {
		i.transport = t
	}
}

// WithBeforeRequest sets the hook run before every transport call
func WithBeforeRequest(fn BeforeRequestFunc) Option {
	return func(i *Instance) {
		i.beforeRequest = fn
	}
}

// WithResponded sets the hooks that post-process raw responses
func WithResponded(hooks RespondedHooks) Option {
	return func(i *Instance) {
		i.responded = hooks
	}
}

// WithMetrics enables Prometheus metrics on the default registerer
func WithMetrics() Option {
	return func(i *Instance) {
		i.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables Prometheus metrics on registry
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(i *Instance) {
		i.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(i *Instance) {
		i.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(i *Instance) {
		if i.debug == nil {
			i.debug = DefaultDebugConfig()
		}
		i.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(i *Instance) {
		i.debug = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(i *Instance) {
		i.logger = logger
	}
}

// WithDevelopmentLogger enables debug logging to a zap development logger
func WithDevelopmentLogger() Option {
	return func(i *Instance) {
		if i.debug == nil {
			i.debug = DefaultDebugConfig()
		}
		i.debug.Enabled = true
		i.logger = NewDevelopmentLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(i *Instance) {
		if i.debug == nil {
			i.debug = DefaultDebugConfig()
		}
		i.debug.RequestIDGen = gen
	}
}

// WithScheduler replaces the timer source used by watchers
func WithScheduler(s Scheduler) Option {
	return func(i *Instance) {
		i.scheduler = s
	}
}

// WithClock replaces the clock used for cache expiry and durations
func WithClock(now func() time.Time) Option {
	return func(i *Instance) {
		i.now = now
	}
}

// WithSnapshotLimit bounds how many methods are remembered for hit sources
func WithSnapshotLimit(n int) Option {
	return func(i *Instance) {
		i.snapshotLimit = n
	}
}

// WithID sets the context identifier that namespaces the cache
func WithID(id string) Option {
	return func(i *Instance) {
		i.id = id
	}
}

// WithRandomID assigns a random UUID as the context identifier
func WithRandomID() Option {
	return func(i *Instance) {
		i.id = uuid.NewString()
	}
}

// ValidateConfiguration validates the instance configuration and returns an error if invalid
func (i *Instance) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, i.validateCoreConfig()...)
	errors = append(errors, i.validateCacheConfig()...)
	errors = append(errors, i.validateDebugConfig()...)
	errors = append(errors, i.validateExtremeValues()...)

	if len(errors) > 0 {
		return &RequestError{
			Type:      ErrorTypeValidation,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %v", errors),
			Timestamp: time.Now(),
		}
	}

	return nil
}

// validateCoreConfig validates identity, transport and timing collaborators
func (i *Instance) validateCoreConfig() []string {
	var errors []string

	if i.id == "" {
		errors = append(errors, "id cannot be empty")
	}
	if i.transport == nil {
		errors = append(errors, "transport cannot be nil")
	}
	if i.scheduler == nil {
		errors = append(errors, "scheduler cannot be nil")
	}
	if i.now == nil {
		errors = append(errors, "clock cannot be nil")
	}
	if i.timeout < 0 {
		errors = append(errors, "timeout must be non-negative")
	}

	return errors
}

// validateCacheConfig validates default cache policies
func (i *Instance) validateCacheConfig() []string {
	var errors []string

	for verb, policy := range i.localCache {
		if policy != nil && policy.TTL < 0 {
			errors = append(errors, fmt.Sprintf("localCache[%s] TTL must be non-negative", verb))
		}
	}
	if i.snapshotLimit <= 0 {
		errors = append(errors, "snapshotLimit must be positive")
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (i *Instance) validateDebugConfig() []string {
	var errors []string

	if i.debug != nil && i.debug.Enabled {
		if i.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if i.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (i *Instance) validateExtremeValues() []string {
	var errors []string

	if i.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}
	if i.snapshotLimit > 1000000 {
		errors = append(errors, "snapshotLimit > 1M may cause memory issues")
	}

	return errors
}
