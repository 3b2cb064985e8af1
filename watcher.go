package alova

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WatchState is the lifecycle state of a Watcher.
type WatchState int

const (
	WatchIdle WatchState = iota
	WatchPending
	WatchFiring
	WatchStopped
)

func (s WatchState) String() string {
	switch s {
	case WatchPending:
		return "pending"
	case WatchFiring:
		return "firing"
	case WatchStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// WatchPolicy controls when a Watcher fires.
type WatchPolicy struct {
	// Debounce applies to every source unless DebounceEach is set.
	Debounce time.Duration
	// DebounceEach gives the debounce per source index. Sources past the
	// end of the slice are not debounced.
	DebounceEach []time.Duration
	// Immediate fires once during registration, ignoring debounce.
	Immediate bool
	// Force decides at fire time whether the send bypasses the cache. It
	// receives the watched values.
	Force func(values ...any) bool
}

func (p WatchPolicy) debounceFor(i int) time.Duration {
	if p.DebounceEach != nil {
		if i < len(p.DebounceEach) {
			return p.DebounceEach[i]
		}
		return 0
	}
	return p.Debounce
}

// MethodFactory builds the method to send from the latest watched values.
type MethodFactory func(values ...any) (*Method, error)

// FireFunc hands a built method to whatever sends it. It must not block.
type FireFunc func(m *Method, force bool, values []any)

// Watcher observes sources and fires a method factory according to a
// WatchPolicy. A change re-arms the single pending timer with the
// debounce of the source that changed; the factory reads the values
// current at fire time, so superseded intermediate values are never
// observed.
type Watcher struct {
	inst      *Instance
	sources   []Source
	factory   MethodFactory
	policy    WatchPolicy
	fire      FireFunc
	scheduler Scheduler

	mu           sync.Mutex
	stopped      bool
	pending      Timer
	generation   uint64
	firing       int
	fires        int
	lastValues   []any
	unsubscribes []func()
}

// Watch registers a watcher over sources. fire may be nil, in which case
// built methods are sent through the instance coordinator.
func (i *Instance) Watch(sources []Source, factory MethodFactory, policy WatchPolicy, fire FireFunc) (*Watcher, error) {
	if len(sources) == 0 {
		return nil, newConfigurationError("watch requires at least one source", ErrNoSources)
	}
	if factory == nil {
		return nil, newConfigurationError("watch requires a method factory", nil)
	}
	for idx, d := range policy.DebounceEach {
		if d < 0 {
			return nil, newConfigurationError(fmt.Sprintf("negative debounce for source %d", idx), nil)
		}
	}
	if policy.Debounce < 0 {
		return nil, newConfigurationError("negative debounce", nil)
	}
	if fire == nil {
		fire = i.sendInBackground
	}

	w := &Watcher{
		inst:      i,
		sources:   append([]Source(nil), sources...),
		factory:   factory,
		policy:    policy,
		fire:      fire,
		scheduler: i.scheduler,
	}

	for idx, src := range w.sources {
		idx := idx
		w.unsubscribes = append(w.unsubscribes, src.Subscribe(func() {
			w.observe(idx)
		}))
	}

	if policy.Immediate {
		w.mu.Lock()
		w.firing++
		w.mu.Unlock()
		w.fireNow("immediate")
	}

	return w, nil
}

func (i *Instance) sendInBackground(m *Method, force bool, _ []any) {
	go func() {
		if _, err := i.coordinator.Send(context.Background(), m, force); err != nil {
			if i.debug != nil && i.debug.Enabled && i.debug.LogWatch && i.logger != nil {
				i.logger.Warn("Watched request failed", "url", m.FullURL(), "error", err)
			}
		}
	}()
}

// observe handles a change of source idx.
func (w *Watcher) observe(idx int) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.generation++
	generation := w.generation

	// Zero debounce is scheduled too: changes made in one turn collapse
	// into a single firing.
	d := w.policy.debounceFor(idx)
	w.pending = w.scheduler.AfterFunc(d, func() {
		w.onTimer(generation)
	})
	w.mu.Unlock()

	w.logDebug("Watcher armed", "source", idx, "debounce", d)
}

func (w *Watcher) onTimer(generation uint64) {
	w.mu.Lock()
	// A timer that lost the race with Stop or a newer change is stale.
	if w.stopped || generation != w.generation {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.firing++
	w.mu.Unlock()

	w.fireNow("debounce")
}

// fireNow builds and hands off one method. Failures abort only this
// firing. The caller has already counted it in w.firing.
func (w *Watcher) fireNow(trigger string) {
	defer func() {
		w.mu.Lock()
		w.firing--
		w.mu.Unlock()
	}()

	values, m, force, err := w.prepare()
	if err != nil {
		if w.inst.logger != nil {
			w.inst.logger.Warn("Watcher firing aborted", "trigger", trigger, "error", err)
		}
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.lastValues = values
	w.fires++
	w.mu.Unlock()

	w.inst.metrics.RecordWatcherFire(trigger)
	w.logDebug("Watcher fired", "trigger", trigger, "url", m.FullURL(), "force", force)
	w.fire(m, force, values)
}

func (w *Watcher) prepare() (values []any, m *Method, force bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alova: watcher panicked: %v", r)
		}
	}()

	values = w.readValues()
	m, err = w.factory(values...)
	if err != nil {
		return nil, nil, false, err
	}
	if m == nil {
		return nil, nil, false, fmt.Errorf("alova: method factory returned nil")
	}
	if w.policy.Force != nil {
		force = w.policy.Force(values...)
	}
	return values, m, force, nil
}

func (w *Watcher) readValues() []any {
	values := make([]any, len(w.sources))
	for i, src := range w.sources {
		values[i] = src.Read()
	}
	return values
}

// Stop cancels any pending timer and detaches from the sources. No fire
// starts after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	unsubscribes := w.unsubscribes
	w.unsubscribes = nil
	w.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	w.logDebug("Watcher stopped")
}

// State returns the current lifecycle state.
func (w *Watcher) State() WatchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.stopped:
		return WatchStopped
	case w.firing > 0:
		return WatchFiring
	case w.pending != nil:
		return WatchPending
	default:
		return WatchIdle
	}
}

// Values returns the values captured by the most recent firing.
func (w *Watcher) Values() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]any(nil), w.lastValues...)
}

// Fires returns how many times the watcher has fired.
func (w *Watcher) Fires() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fires
}

func (w *Watcher) logDebug(msg string, keysAndValues ...any) {
	inst := w.inst
	if inst.debug != nil && inst.debug.Enabled && inst.debug.LogWatch && inst.logger != nil {
		inst.logger.Debug(msg, keysAndValues...)
	}
}
