package alova

import (
	"sync"
)

const defaultSnapshotLimit = 1000

// snapshotRegistry remembers the methods that produced responses so hit
// sources can find them by name or URL. It keeps the most recent method
// per key and evicts the oldest key beyond limit.
type snapshotRegistry struct {
	mu    sync.Mutex
	limit int
	order []string
	byKey map[string]*Method
}

func newSnapshotRegistry(limit int) *snapshotRegistry {
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	return &snapshotRegistry{
		limit: limit,
		byKey: make(map[string]*Method),
	}
}

func (r *snapshotRegistry) record(m *Method) {
	key := m.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[key]; ok {
		r.byKey[key] = m
		return
	}
	r.byKey[key] = m
	r.order = append(r.order, key)
	for len(r.order) > r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.byKey, oldest)
	}
}

func (r *snapshotRegistry) match(ref HitSourceRef) []*Method {
	r.mu.Lock()
	candidates := make([]*Method, 0, len(r.order))
	for _, key := range r.order {
		candidates = append(candidates, r.byKey[key])
	}
	r.mu.Unlock()

	var out []*Method
	for _, m := range candidates {
		if ref.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

func (r *snapshotRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// HitSourceInvalidator evicts the cache entries of methods declared as
// dependents of a completed request.
type HitSourceInvalidator struct {
	inst *Instance
}

// OnSettled invalidates every cached method matched by m's hit sources and
// returns how many keys were evicted. m's own entry is never touched.
func (h *HitSourceInvalidator) OnSettled(m *Method) int {
	refs := m.HitSource()
	if len(refs) == 0 {
		return 0
	}

	keys := h.resolve(refs)
	delete(keys, m.Key())

	inst := h.inst
	for key := range keys {
		inst.cache.Invalidate(inst.id, key)
	}
	inst.metrics.RecordInvalidation("hit_source", len(keys))
	return len(keys)
}

// resolve maps refs onto the set of cache keys they denote.
func (h *HitSourceInvalidator) resolve(refs []HitSourceRef) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, ref := range refs {
		if ref.key != "" {
			keys[ref.key] = struct{}{}
			continue
		}
		for _, candidate := range h.inst.snapshots.match(ref) {
			keys[candidate.Key()] = struct{}{}
		}
	}
	return keys
}
