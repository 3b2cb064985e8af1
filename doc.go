// Package alova manages the lifecycle of outbound data requests for UI-driven code:
//
//   - Method descriptors built per verb, with stable order-independent keys
//   - A TTL-aware response cache per context, optionally mirrored to Redis or LevelDB
//   - Sharing of concurrent identical requests (one transport call, N waiters)
//   - Hit-source invalidation of dependent cache entries after a request succeeds
//   - Watchers that send on source changes with debounce / immediate / force policies
//   - Request hooks exposing loading, data, error and download progress as reactive refs
//   - Prometheus metrics and zap-backed structured debug logging
//
// Everything hangs off an explicitly constructed *Instance; instances never share
// implicit global state, so several can coexist in one process and in tests.
//
// Typical usage:
//
//	inst := alova.New(
//	    alova.WithBaseURL("https://api.example.com"),
//	    alova.WithTimeout(10*time.Second),
//	    alova.WithResponded(alova.JSONResponded()),
//	)
//	todos := inst.Get("/todos", alova.MethodConfig{Params: map[string]any{"page": 1}})
//	res, err := todos.Send(ctx, false)
//
// Watch-driven sends:
//
//	page := alova.NewRef(1)
//	hook, err := inst.UseWatcher(func(args ...any) (*alova.Method, error) {
//	    return inst.Get("/todos", alova.MethodConfig{Params: map[string]any{"page": args[0]}}), nil
//	}, []alova.Source{page}, alova.HookOptions{Debounce: 300 * time.Millisecond})
//
// Logging is off by default: provide a Logger (e.g. via WithDevelopmentLogger) and
// enable debug flags selectively (WithDebug / WithDebugConfig).
package alova
