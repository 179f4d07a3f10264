package tools

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

type stubHandler struct {
	name      string
	exclusive bool
	execute   func(ctx context.Context, args map[string]any) (any, *core.Error)
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Definition() Definition {
	return Definition{Type: "function", Name: h.name, Parameters: map[string]any{"type": "object"}}
}

func (h *stubHandler) Exclusive() bool { return h.exclusive }

func (h *stubHandler) Execute(ctx context.Context, args map[string]any) (any, *core.Error) {
	return h.execute(ctx, args)
}

type resultRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultRecorder) report(ctx context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *resultRecorder) first() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return Result{}, false
	}
	return r.results[0], true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRouterConfig() Config {
	cfg := DefaultConfig()
	cfg.InvocationTimeout = 250 * time.Millisecond
	return cfg
}

func waitForResults(t *testing.T, rec *resultRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d results, want %d", rec.count(), n)
}

func TestRouterCompletesInvocation(t *testing.T) {
	h := &stubHandler{
		name: "lookup_account",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			return map[string]any{"account": args["account_id"]}, nil
		},
	}
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(h), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "lookup_account", Arguments: `{"account_id":"a-42"}`})
	waitForResults(t, rec, 1)

	res, _ := rec.first()
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeCompleted)
	}
	if res.InvocationID != "inv-1" || res.Name != "lookup_account" {
		t.Errorf("result identity = %q/%q", res.InvocationID, res.Name)
	}
	want := map[string]any{"account": "a-42"}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("output = %#v, want %#v", res.Output, want)
	}
}

func TestRouterReportsHandlerFailure(t *testing.T) {
	h := &stubHandler{
		name: "lookup_account",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			return nil, core.NewValidationErrorWithParam("account_id is required", "account_id")
		},
	}
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(h), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "lookup_account", Arguments: `{}`})
	waitForResults(t, rec, 1)

	res, _ := rec.first()
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeFailed)
	}
	if res.Err == nil || res.Err.Type != core.ErrValidation {
		t.Errorf("err = %v, want validation error", res.Err)
	}
	if res.Err.CallID != "call-1" {
		t.Errorf("err call id = %q, want call-1", res.Err.CallID)
	}
}

func TestRouterUnknownTool(t *testing.T) {
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "no_such_tool", Arguments: `{}`})
	waitForResults(t, rec, 1)

	res, _ := rec.first()
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeFailed)
	}
	if res.Err == nil || res.Err.Type != core.ErrToolExecution {
		t.Errorf("err = %v, want tool execution error", res.Err)
	}
}

func TestRouterInvalidArguments(t *testing.T) {
	called := atomic.Bool{}
	h := &stubHandler{
		name: "lookup_account",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			called.Store(true)
			return nil, nil
		},
	}
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(h), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "lookup_account", Arguments: `{not json`})
	waitForResults(t, rec, 1)

	res, _ := rec.first()
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeFailed)
	}
	if res.Err == nil || res.Err.Type != core.ErrValidation {
		t.Errorf("err = %v, want validation error", res.Err)
	}
	if called.Load() {
		t.Error("handler ran on malformed arguments")
	}
}

func TestRouterEmptyArgumentsMeanNoArguments(t *testing.T) {
	var got map[string]any
	var mu sync.Mutex
	h := &stubHandler{
		name: "get_call_info",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			mu.Lock()
			got = args
			mu.Unlock()
			return "ok", nil
		},
	}
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(h), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "get_call_info", Arguments: ""})
	waitForResults(t, rec, 1)

	mu.Lock()
	defer mu.Unlock()
	if got == nil || len(got) != 0 {
		t.Errorf("handler args = %#v, want empty map", got)
	}
}

func TestRouterTimesOutAndDiscardsLateResult(t *testing.T) {
	finished := atomic.Bool{}
	h := &stubHandler{
		name: "slow_lookup",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			time.Sleep(400 * time.Millisecond)
			finished.Store(true)
			return "late", nil
		},
	}
	rec := &resultRecorder{}
	r := NewRouter("call-1", NewRegistry(h), rec.report, testRouterConfig(), testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "slow_lookup", Arguments: `{}`})
	waitForResults(t, rec, 1)

	res, _ := rec.first()
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeTimedOut)
	}

	// Let the handler finish; its result must not produce a second report.
	deadline := time.Now().Add(time.Second)
	for !finished.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("results = %d, want exactly 1", got)
	}
}

func TestRouterExclusiveHandlersSerialize(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	h := &stubHandler{
		name:      "transfer_call",
		exclusive: true,
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return "ok", nil
		},
	}
	rec := &resultRecorder{}
	cfg := testRouterConfig()
	cfg.InvocationTimeout = 2 * time.Second
	r := NewRouter("call-1", NewRegistry(h), rec.report, cfg, testLogger())

	for i := 0; i < 5; i++ {
		r.Dispatch(context.Background(), Invocation{ID: "inv-" + string(rune('a'+i)), Name: "transfer_call", Arguments: `{}`})
	}
	waitForResults(t, rec, 5)

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestRouterCapsNonExclusiveConcurrency(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	h := &stubHandler{
		name: "lookup_account",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return "ok", nil
		},
	}
	rec := &resultRecorder{}
	cfg := testRouterConfig()
	cfg.InvocationTimeout = 2 * time.Second
	cfg.MaxConcurrent = 2
	r := NewRouter("call-1", NewRegistry(h), rec.report, cfg, testLogger())

	for i := 0; i < 8; i++ {
		r.Dispatch(context.Background(), Invocation{ID: "inv-" + string(rune('a'+i)), Name: "lookup_account", Arguments: `{}`})
	}
	waitForResults(t, rec, 8)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRouterDropsDuplicateInvocation(t *testing.T) {
	release := make(chan struct{})
	h := &stubHandler{
		name: "slow_lookup",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			<-release
			return "ok", nil
		},
	}
	rec := &resultRecorder{}
	cfg := testRouterConfig()
	cfg.InvocationTimeout = 2 * time.Second
	r := NewRouter("call-1", NewRegistry(h), rec.report, cfg, testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "slow_lookup", Arguments: `{}`})
	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "slow_lookup", Arguments: `{}`})
	close(release)
	waitForResults(t, rec, 1)

	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("results = %d, want exactly 1", got)
	}
}

func TestRouterWaitDrainsInflight(t *testing.T) {
	h := &stubHandler{
		name: "slow_lookup",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			time.Sleep(50 * time.Millisecond)
			return "ok", nil
		},
	}
	rec := &resultRecorder{}
	cfg := testRouterConfig()
	cfg.InvocationTimeout = 2 * time.Second
	r := NewRouter("call-1", NewRegistry(h), rec.report, cfg, testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "slow_lookup", Arguments: `{}`})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := r.Inflight(); got != 0 {
		t.Errorf("inflight after wait = %d, want 0", got)
	}
	if got := rec.count(); got != 1 {
		t.Errorf("results = %d, want 1", got)
	}
}

func TestRouterWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &stubHandler{
		name: "slow_lookup",
		execute: func(ctx context.Context, args map[string]any) (any, *core.Error) {
			<-release
			return "ok", nil
		},
	}
	cfg := testRouterConfig()
	cfg.InvocationTimeout = 5 * time.Second
	r := NewRouter("call-1", NewRegistry(h), (&resultRecorder{}).report, cfg, testLogger())

	r.Dispatch(context.Background(), Invocation{ID: "inv-1", Name: "slow_lookup", Arguments: `{}`})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		t.Fatal("Wait should fail while a handler is stuck")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	reg := NewRegistry(
		&stubHandler{name: "zeta"},
		&stubHandler{name: "alpha"},
		&stubHandler{name: "mid"},
	)

	defs := reg.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
	if !reg.Has("alpha") || reg.Has("missing") {
		t.Error("Has() lookup misbehaved")
	}
}
