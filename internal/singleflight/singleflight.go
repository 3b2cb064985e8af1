// Package singleflight coalesces concurrent loads of the same key.
package singleflight

import "sync"

// Group runs at most one load per key at a time. Results are not kept:
// once a load finishes the key is forgotten, so the next caller loads again.
type Group[V any] struct {
	mu sync.Mutex
	m  map[string]*call[V]
}

type call[V any] struct {
	wg   sync.WaitGroup
	val  V
	err  error
	dups int
}

// New creates an empty Group.
func New[V any]() *Group[V] {
	return &Group[V]{m: make(map[string]*call[V])}
}

// Do executes fn once for all concurrent callers with the same key. shared
// reports whether the result was delivered to more than one caller.
func (g *Group[V]) Do(key string, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := &call[V]{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	func() {
		defer func() {
			g.mu.Lock()
			if g.m[key] == c {
				delete(g.m, key)
			}
			g.mu.Unlock()
			c.wg.Done()
		}()
		c.val, c.err = fn()
	}()

	g.mu.Lock()
	shared = c.dups > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

// Forget drops key so the next Do starts a fresh load even if one is
// still running.
func (g *Group[V]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// InFlight reports how many keys are currently loading.
func (g *Group[V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
