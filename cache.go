package alova

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/Aaminly/alova/internal/singleflight"
)

const (
	defaultCacheShards    = 16
	defaultStorageTimeout = 2 * time.Second
	storageKeyPrefix      = "alova:"
)

// CacheEntry is one cached response value.
type CacheEntry struct {
	Key   string
	Value any
	// ExpireAt is zero for entries that never expire.
	ExpireAt    time.Time
	Placeholder bool
	StoredAt    time.Time
}

func (e *CacheEntry) expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

// persistedEntry is the JSON shape written to Storage.
type persistedEntry struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt int64           `json:"expireAt"`
	Mode     string          `json:"mode"`
}

// ResponseCache is a TTL-aware store of response values, namespaced per
// context ID. Expired entries are evicted lazily on read. When a Storage
// is configured every write and invalidation is mirrored to it, and
// memory misses are hydrated from it.
type ResponseCache struct {
	shards    []*cacheShard
	numShards int

	storage        Storage
	storageTimeout time.Duration
	hydrate        *singleflight.Group[*CacheEntry]

	now     func() time.Time
	logger  Logger
	metrics *MetricsCollector
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
	// loading tracks storage reads in flight per key. Writes and
	// invalidations mark them stale so they never install old data.
	loading map[string][]*hydration
}

type hydration struct {
	stale bool
}

func (s *cacheShard) beginLoad(sk string) *hydration {
	h := &hydration{}
	s.mu.Lock()
	s.loading[sk] = append(s.loading[sk], h)
	s.mu.Unlock()
	return h
}

// finishLoad installs entry unless h went stale or memory already holds a
// value, and returns what callers should see.
func (s *cacheShard) finishLoad(sk string, h *hydration, entry *CacheEntry) *CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.loading[sk]
	for i, p := range pending {
		if p == h {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(s.loading, sk)
	} else {
		s.loading[sk] = pending
	}

	if current, ok := s.store[sk]; ok {
		return current
	}
	if h.stale || entry == nil {
		return nil
	}
	s.store[sk] = entry
	return entry
}

// markStale must be called with s.mu held.
func (s *cacheShard) markStale(sk string) {
	for _, h := range s.loading[sk] {
		h.stale = true
	}
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithCacheStorage mirrors the cache into s.
func WithCacheStorage(s Storage) CacheOption {
	return func(c *ResponseCache) {
		c.storage = s
	}
}

// WithCacheClock replaces the clock used for expiry checks.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCacheLogger sets the logger used for storage warnings.
func WithCacheLogger(logger Logger) CacheOption {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// WithCacheMetrics records cache size into mc.
func WithCacheMetrics(mc *MetricsCollector) CacheOption {
	return func(c *ResponseCache) {
		c.metrics = mc
	}
}

// WithStorageTimeout bounds every storage round trip.
func WithStorageTimeout(d time.Duration) CacheOption {
	return func(c *ResponseCache) {
		if d > 0 {
			c.storageTimeout = d
		}
	}
}

// NewResponseCache creates an empty cache.
func NewResponseCache(options ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		numShards:      defaultCacheShards,
		storageTimeout: defaultStorageTimeout,
		hydrate:        singleflight.New[*CacheEntry](),
		now:            time.Now,
	}
	c.shards = make([]*cacheShard, c.numShards)
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			store:   make(map[string]*CacheEntry),
			loading: make(map[string][]*hydration),
		}
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func shardKey(contextID, key string) string {
	return contextID + "\x00" + key
}

func storageKey(contextID, key string) string {
	return storageKeyPrefix + contextID + ":" + key
}

func (c *ResponseCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns a copy of the live entry for key, or false when it is
// absent or expired.
func (c *ResponseCache) Get(contextID, key string) (*CacheEntry, bool) {
	sk := shardKey(contextID, key)
	shard := c.getShard(sk)
	now := c.now()

	shard.mu.RLock()
	entry, exists := shard.store[sk]
	shard.mu.RUnlock()

	if exists {
		if !entry.expired(now) {
			cp := *entry
			return &cp, true
		}
		shard.mu.Lock()
		if current, ok := shard.store[sk]; ok && current == entry {
			delete(shard.store, sk)
		}
		shard.mu.Unlock()
		c.removeStored(contextID, key)
		c.recordSize(contextID)
		return nil, false
	}

	if c.storage == nil {
		return nil, false
	}

	hydrated, _, _ := c.hydrate.Do(sk, func() (*CacheEntry, error) {
		return c.load(contextID, key)
	})
	if hydrated == nil {
		return nil, false
	}
	cp := *hydrated
	return &cp, true
}

// load reads key from storage and installs it in memory unless a newer
// value was written, or the key invalidated, meanwhile.
func (c *ResponseCache) load(contextID, key string) (*CacheEntry, error) {
	sk := shardKey(contextID, key)
	shard := c.getShard(sk)

	h := shard.beginLoad(sk)
	entry := shard.finishLoad(sk, h, c.readStored(contextID, key))
	if entry != nil {
		c.recordSize(contextID)
	}
	return entry, nil
}

// readStored decodes the stored entry for key. Corrupt and expired
// entries are removed from storage.
func (c *ResponseCache) readStored(contextID, key string) *CacheEntry {
	ctx, cancel := context.WithTimeout(context.Background(), c.storageTimeout)
	defer cancel()

	raw, err := c.storage.Get(ctx, storageKey(contextID, key))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.warn("cache storage read failed", "context", contextID, "key", key, "error", err)
		}
		return nil
	}

	var stored persistedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		c.warn("cache storage entry is corrupt", "context", contextID, "key", key, "error", err)
		c.removeStored(contextID, key)
		return nil
	}

	var value any
	if len(stored.Data) > 0 {
		if err := json.Unmarshal(stored.Data, &value); err != nil {
			c.warn("cache storage entry is corrupt", "context", contextID, "key", key, "error", err)
			c.removeStored(contextID, key)
			return nil
		}
	}

	entry := &CacheEntry{
		Key:         key,
		Value:       value,
		Placeholder: stored.Mode == ModePlaceholder.String(),
		StoredAt:    c.now(),
	}
	if stored.ExpireAt > 0 {
		entry.ExpireAt = time.UnixMilli(stored.ExpireAt)
	}
	if entry.expired(c.now()) {
		c.removeStored(contextID, key)
		return nil
	}
	return entry
}

// Set stores value under key according to policy. A disabled policy is a
// no-op and leaves any existing entry untouched.
func (c *ResponseCache) Set(contextID, key string, value any, policy CachePolicy) {
	if !policy.Enabled() {
		return
	}

	now := c.now()
	entry := &CacheEntry{
		Key:         key,
		Value:       value,
		ExpireAt:    policy.expiry(now),
		Placeholder: policy.Mode == ModePlaceholder,
		StoredAt:    now,
	}
	if entry.expired(now) {
		c.Invalidate(contextID, key)
		return
	}

	sk := shardKey(contextID, key)
	shard := c.getShard(sk)
	shard.mu.Lock()
	shard.store[sk] = entry
	shard.markStale(sk)
	shard.mu.Unlock()

	c.persist(contextID, entry, now)
	c.recordSize(contextID)
}

func (c *ResponseCache) persist(contextID string, entry *CacheEntry, now time.Time) {
	if c.storage == nil {
		return
	}

	data, err := json.Marshal(entry.Value)
	if err != nil {
		c.warn("cache value is not serializable, keeping it in memory only",
			"context", contextID, "key", entry.Key, "error", err)
		return
	}

	stored := persistedEntry{Data: data, Mode: ModeMemory.String()}
	if entry.Placeholder {
		stored.Mode = ModePlaceholder.String()
	}
	var ttl time.Duration
	if !entry.ExpireAt.IsZero() {
		stored.ExpireAt = entry.ExpireAt.UnixMilli()
		ttl = entry.ExpireAt.Sub(now)
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		c.warn("cache entry encoding failed", "context", contextID, "key", entry.Key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.storageTimeout)
	defer cancel()
	if err := c.storage.Set(ctx, storageKey(contextID, entry.Key), raw, ttl); err != nil {
		c.warn("cache storage write failed", "context", contextID, "key", entry.Key, "error", err)
	}
}

// Invalidate removes key. It is idempotent. Storage is cleared before
// memory so that a concurrent hydration cannot bring the value back.
func (c *ResponseCache) Invalidate(contextID, key string) {
	c.removeStored(contextID, key)

	sk := shardKey(contextID, key)
	shard := c.getShard(sk)
	shard.mu.Lock()
	delete(shard.store, sk)
	shard.markStale(sk)
	shard.mu.Unlock()

	c.hydrate.Forget(sk)
	c.recordSize(contextID)
}

// InvalidateMatching removes every entry of contextID whose key satisfies
// match, in memory and in storage, and returns how many distinct keys
// were removed.
func (c *ResponseCache) InvalidateMatching(contextID string, match func(key string) bool) int {
	removed := make(map[string]struct{})
	prefix := contextID + "\x00"

	for _, shard := range c.shards {
		shard.mu.RLock()
		for sk := range shard.store {
			if key, ok := strings.CutPrefix(sk, prefix); ok && match(key) {
				removed[key] = struct{}{}
			}
		}
		shard.mu.RUnlock()
	}
	for _, key := range c.storedKeys(contextID) {
		if match(key) {
			removed[key] = struct{}{}
		}
	}
	for key := range removed {
		c.removeStored(contextID, key)
	}

	var late []string
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sk := range shard.store {
			if key, ok := strings.CutPrefix(sk, prefix); ok && match(key) {
				delete(shard.store, sk)
				if _, seen := removed[key]; !seen {
					removed[key] = struct{}{}
					late = append(late, key)
				}
			}
		}
		for sk := range shard.loading {
			if key, ok := strings.CutPrefix(sk, prefix); ok && match(key) {
				shard.markStale(sk)
			}
		}
		shard.mu.Unlock()
	}
	// Entries written while storage was being cleared.
	for _, key := range late {
		c.removeStored(contextID, key)
	}
	for key := range removed {
		c.hydrate.Forget(shardKey(contextID, key))
	}

	c.recordSize(contextID)
	return len(removed)
}

// Clear removes every entry of contextID.
func (c *ResponseCache) Clear(contextID string) {
	c.InvalidateMatching(contextID, func(string) bool { return true })
}

// Len returns the number of in-memory entries of contextID, including
// expired entries that have not been read since they expired.
func (c *ResponseCache) Len(contextID string) int {
	prefix := contextID + "\x00"
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sk := range shard.store {
			if strings.HasPrefix(sk, prefix) {
				n++
			}
		}
		shard.mu.RUnlock()
	}
	return n
}

func (c *ResponseCache) storedKeys(contextID string) []string {
	if c.storage == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.storageTimeout)
	defer cancel()

	prefix := storageKeyPrefix + contextID + ":"
	keys, err := c.storage.Keys(ctx, prefix)
	if err != nil {
		c.warn("cache storage scan failed", "context", contextID, "error", err)
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out
}

func (c *ResponseCache) removeStored(contextID, key string) {
	if c.storage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.storageTimeout)
	defer cancel()
	if err := c.storage.Remove(ctx, storageKey(contextID, key)); err != nil {
		c.warn("cache storage remove failed", "context", contextID, "key", key, "error", err)
	}
}

func (c *ResponseCache) recordSize(contextID string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordCacheSize(contextID, c.Len(contextID))
}

func (c *ResponseCache) warn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}
