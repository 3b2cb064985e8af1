package alova

import (
	"reflect"
	"sync"
)

// Source is a reactive value a Watcher can observe.
type Source interface {
	Read() any
	// Subscribe registers onChange and returns a function that removes it.
	Subscribe(onChange func()) (unsubscribe func())
}

// Ref is a mutable reactive value. Subscribers are notified synchronously
// on the goroutine that changed the value, after the value is stored.
type Ref[T any] struct {
	mu          sync.RWMutex
	value       T
	seq         int
	subscribers map[int]func()
}

// NewRef creates a Ref holding initial.
func NewRef[T any](initial T) *Ref[T] {
	return &Ref[T]{
		value:       initial,
		subscribers: make(map[int]func()),
	}
}

// Get returns the current value.
func (r *Ref[T]) Get() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Read implements Source.
func (r *Ref[T]) Read() any {
	return r.Get()
}

// Set stores v and notifies subscribers when it differs from the current
// value.
func (r *Ref[T]) Set(v T) {
	r.mu.Lock()
	if reflect.DeepEqual(r.value, v) {
		r.mu.Unlock()
		return
	}
	r.value = v
	subscribers := r.snapshot()
	r.mu.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}

// Update applies fn to the current value atomically.
func (r *Ref[T]) Update(fn func(T) T) {
	r.mu.Lock()
	next := fn(r.value)
	if reflect.DeepEqual(r.value, next) {
		r.mu.Unlock()
		return
	}
	r.value = next
	subscribers := r.snapshot()
	r.mu.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}

// Subscribe implements Source.
func (r *Ref[T]) Subscribe(onChange func()) func() {
	r.mu.Lock()
	id := r.seq
	r.seq++
	r.subscribers[id] = onChange
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
		})
	}
}

func (r *Ref[T]) snapshot() []func() {
	out := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		out = append(out, fn)
	}
	return out
}

// Computed derives a value from other sources and changes whenever any of
// them does.
type Computed struct {
	deps []Source
	fn   func() any
}

// NewComputed builds a Source that re-evaluates fn on every read.
func NewComputed(fn func() any, deps ...Source) *Computed {
	return &Computed{deps: deps, fn: fn}
}

func (c *Computed) Read() any {
	return c.fn()
}

func (c *Computed) Subscribe(onChange func()) func() {
	unsubscribes := make([]func(), 0, len(c.deps))
	for _, dep := range c.deps {
		unsubscribes = append(unsubscribes, dep.Subscribe(onChange))
	}
	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}
