package alova

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fireRecord struct {
	url    string
	force  bool
	values []any
}

type fireRecorder struct {
	mu    sync.Mutex
	fires []fireRecord
}

func (r *fireRecorder) fire(m *Method, force bool, values []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, fireRecord{url: m.URL(), force: force, values: values})
}

func (r *fireRecorder) all() []fireRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fireRecord(nil), r.fires...)
}

func newWatchTestInstance() (*Instance, *fakeScheduler) {
	scheduler := newFakeScheduler()
	return New(WithTransport(newMockTransport()), WithScheduler(scheduler)), scheduler
}

func searchFactory(inst *Instance) MethodFactory {
	return func(values ...any) (*Method, error) {
		return inst.Get("/search", MethodConfig{Params: map[string]any{"q": values[0], "page": values[1]}}), nil
	}
}

func TestWatcherPerSourceDebounce(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	keyword := NewRef("")
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{keyword, page}, searchFactory(inst), WatchPolicy{
		DebounceEach: []time.Duration{1000 * time.Millisecond, 200 * time.Millisecond},
	}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	keyword.Set("alova")
	if w.State() != WatchPending {
		t.Errorf("State() = %v, want pending", w.State())
	}
	scheduler.Advance(100 * time.Millisecond)
	page.Set(2)

	scheduler.Advance(199 * time.Millisecond)
	if len(rec.all()) != 0 {
		t.Fatal("fired before the debounce elapsed")
	}
	scheduler.Advance(time.Millisecond)

	fires := rec.all()
	if len(fires) != 1 {
		t.Fatalf("got %d fires, want 1", len(fires))
	}
	if fires[0].values[0] != "alova" || fires[0].values[1] != 2 {
		t.Errorf("fired with %v, want both latest values", fires[0].values)
	}

	scheduler.Advance(2 * time.Second)
	if len(rec.all()) != 1 {
		t.Error("the superseded timer must not fire")
	}
	if w.State() != WatchIdle {
		t.Errorf("State() = %v, want idle", w.State())
	}
}

func TestWatcherDebounceCollapsesBursts(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	keyword := NewRef("")
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{keyword}, func(values ...any) (*Method, error) {
		return inst.Get("/search", MethodConfig{Params: map[string]any{"q": values[0]}}), nil
	}, WatchPolicy{Debounce: 300 * time.Millisecond}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for _, k := range []string{"a", "al", "alo", "alova"} {
		keyword.Set(k)
		scheduler.Advance(100 * time.Millisecond)
	}
	scheduler.Advance(200 * time.Millisecond)

	fires := rec.all()
	if len(fires) != 1 || fires[0].values[0] != "alova" {
		t.Fatalf("fires = %+v, want one fire with the final value", fires)
	}
	if w.Fires() != 1 || w.Values()[0] != "alova" {
		t.Errorf("Fires() = %d, Values() = %v", w.Fires(), w.Values())
	}
}

func TestWatcherZeroDebounceFiresAfterEachTurn(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		return inst.Get("/todos", MethodConfig{Params: map[string]any{"page": values[0]}}), nil
	}, WatchPolicy{}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	page.Set(2)
	if len(rec.all()) != 0 || w.State() != WatchPending {
		t.Fatal("a zero debounce change should be pending until the scheduler runs")
	}
	scheduler.Advance(0)

	page.Set(3)
	scheduler.Advance(0)
	page.Set(3)
	scheduler.Advance(0)

	fires := rec.all()
	if len(fires) != 2 {
		t.Fatalf("got %d fires, want 2 (equal values do not notify)", len(fires))
	}
	if fires[0].values[0] != 2 || fires[1].values[0] != 3 {
		t.Errorf("fire values = %v, %v", fires[0].values, fires[1].values)
	}
}

func TestWatcherZeroDebounceCollapsesSameTurnChanges(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	num := NewRef(0)
	str := NewRef("a")
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{num, str}, func(values ...any) (*Method, error) {
		return inst.Get("/mixed", MethodConfig{Params: map[string]any{"num": values[0], "str": values[1]}}), nil
	}, WatchPolicy{}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	num.Set(1)
	str.Set("b")
	scheduler.Advance(0)

	fires := rec.all()
	if len(fires) != 1 {
		t.Fatalf("got %d fires, want 1", len(fires))
	}
	if fires[0].values[0] != 1 || fires[0].values[1] != "b" {
		t.Errorf("fired with %v, want [1 b]", fires[0].values)
	}
	if scheduler.Pending() != 0 {
		t.Error("the superseded timer should be cancelled")
	}
}

func TestWatcherZeroDebounceWithRealScheduler(t *testing.T) {
	inst := New(WithTransport(newMockTransport()))
	num := NewRef(0)
	str := NewRef("a")
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{num, str}, func(values ...any) (*Method, error) {
		return inst.Get("/mixed"), nil
	}, WatchPolicy{}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	num.Set(1)
	str.Set("b")
	waitFor(t, func() bool {
		for _, f := range rec.all() {
			if f.values[0] == 1 && f.values[1] == "b" {
				return true
			}
		}
		return false
	}, "a firing with both latest values")
}

func TestWatcherImmediate(t *testing.T) {
	inst, _ := newWatchTestInstance()
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		return inst.Get("/todos"), nil
	}, WatchPolicy{Immediate: true, Debounce: time.Second}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if len(rec.all()) != 1 {
		t.Fatal("Immediate should fire during registration regardless of debounce")
	}
}

func TestWatcherForce(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		return inst.Get("/todos"), nil
	}, WatchPolicy{Force: func(values ...any) bool { return values[0].(int) > 2 }}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	page.Set(2)
	scheduler.Advance(0)
	page.Set(5)
	scheduler.Advance(0)

	fires := rec.all()
	if len(fires) != 2 || fires[0].force || !fires[1].force {
		t.Errorf("force flags = %+v", fires)
	}
}

func TestWatcherStop(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		return inst.Get("/todos"), nil
	}, WatchPolicy{Debounce: 100 * time.Millisecond}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}

	page.Set(2)
	w.Stop()
	w.Stop()
	scheduler.Advance(time.Second)
	page.Set(3)
	scheduler.Advance(time.Second)

	if len(rec.all()) != 0 {
		t.Error("a stopped watcher must never fire")
	}
	if w.State() != WatchStopped {
		t.Errorf("State() = %v, want stopped", w.State())
	}
	if scheduler.Pending() != 0 {
		t.Error("Stop should cancel the pending timer")
	}
}

func TestWatcherFactoryFailureOnlyAbortsThatFiring(t *testing.T) {
	inst, scheduler := newWatchTestInstance()
	page := NewRef(1)
	rec := &fireRecorder{}

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		switch values[0].(int) {
		case 2:
			return nil, errors.New("not ready")
		case 3:
			panic("boom")
		case 4:
			return nil, nil
		}
		return inst.Get("/todos"), nil
	}, WatchPolicy{}, rec.fire)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for _, v := range []int{2, 3, 4, 5} {
		page.Set(v)
		scheduler.Advance(0)
	}

	fires := rec.all()
	if len(fires) != 1 || fires[0].values[0] != 5 {
		t.Errorf("fires = %+v, want only the healthy firing", fires)
	}
	if w.State() != WatchIdle {
		t.Errorf("State() = %v, want idle", w.State())
	}
}

func TestWatchValidation(t *testing.T) {
	inst, _ := newWatchTestInstance()
	factory := func(...any) (*Method, error) { return inst.Get("/x"), nil }

	_, err := inst.Watch(nil, factory, WatchPolicy{}, nil)
	if !errors.Is(err, ErrNoSources) {
		t.Errorf("empty sources error = %v, want ErrNoSources", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Type != ErrorTypeConfiguration {
		t.Errorf("empty sources should be a configuration error, got %v", err)
	}

	if _, err := inst.Watch([]Source{NewRef(1)}, nil, WatchPolicy{}, nil); err == nil {
		t.Error("nil factory should be rejected")
	}
	if _, err := inst.Watch([]Source{NewRef(1)}, factory, WatchPolicy{Debounce: -time.Second}, nil); err == nil {
		t.Error("negative debounce should be rejected")
	}
	if _, err := inst.Watch([]Source{NewRef(1)}, factory, WatchPolicy{DebounceEach: []time.Duration{-1}}, nil); err == nil {
		t.Error("negative per-source debounce should be rejected")
	}
}

func TestWatcherDefaultFireSendsRequest(t *testing.T) {
	transport := newMockTransport()
	inst := New(WithTransport(transport))
	page := NewRef(1)

	w, err := inst.Watch([]Source{page}, func(values ...any) (*Method, error) {
		return inst.Get("/todos", MethodConfig{Params: map[string]any{"page": values[0]}}), nil
	}, WatchPolicy{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	page.Set(2)
	waitFor(t, func() bool { return transport.Calls() == 1 }, "the watched send")

	var cached any
	waitFor(t, func() bool {
		var ok bool
		cached, ok = inst.GetCache(inst.Get("/todos", MethodConfig{Params: map[string]any{"page": 2}}))
		return ok
	}, "the response to be cached")
	if cached.(map[string]any)["url"] != "/todos?page=2" {
		t.Errorf("cached = %v", cached)
	}
}

func TestWatchStateString(t *testing.T) {
	for state, want := range map[WatchState]string{
		WatchIdle: "idle", WatchPending: "pending", WatchFiring: "firing", WatchStopped: "stopped",
	} {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}
