package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

// Outcome is the terminal state of one invocation. Every dispatched
// invocation resolves to exactly one.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Invocation is a function call as it arrives from the AI session.
// Arguments carries the raw JSON string off the wire.
type Invocation struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the single outcome reported for an invocation.
type Result struct {
	InvocationID string
	Name         string
	Outcome      Outcome
	Output       any
	Err          *core.Error
	Duration     time.Duration
}

// ReportFunc delivers a result back to the AI session.
type ReportFunc func(ctx context.Context, res Result) error

// Config tunes one session's router.
type Config struct {
	// InvocationTimeout bounds a single handler execution. Default: 10s.
	InvocationTimeout time.Duration `json:"invocation_timeout"`

	// MaxConcurrent caps concurrently running non-exclusive handlers.
	// Default: 4.
	MaxConcurrent int `json:"max_concurrent"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		InvocationTimeout: 10 * time.Second,
		MaxConcurrent:     4,
	}
}

// Router dispatches invocations for one call session. Dispatch never
// blocks the caller; handlers run on their own goroutines under the
// configured timeout and concurrency limits.
type Router struct {
	callID   string
	registry *Registry
	report   ReportFunc
	cfg      Config
	logger   *slog.Logger

	sem       chan struct{}
	exclusive sync.Mutex
	wg        sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRouter(callID string, registry *Registry, report ReportFunc, cfg Config, logger *slog.Logger) *Router {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = DefaultConfig().InvocationTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		callID:   callID,
		registry: registry,
		report:   report,
		cfg:      cfg,
		logger:   logger.With("component", "tools", "call_id", callID),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]struct{}),
	}
}

// Dispatch schedules one invocation and returns immediately. A repeat
// of an in-flight invocation id is dropped; the first dispatch already
// owns the outcome.
func (r *Router) Dispatch(ctx context.Context, inv Invocation) {
	if inv.ID == "" || inv.Name == "" {
		r.logger.Warn("invocation missing id or name dropped", "tool", inv.Name)
		return
	}

	r.mu.Lock()
	if _, dup := r.inflight[inv.ID]; dup {
		r.mu.Unlock()
		r.logger.Warn("duplicate invocation dropped", "tool", inv.Name, "invocation_id", inv.ID)
		return
	}
	r.inflight[inv.ID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, inv.ID)
			r.mu.Unlock()
		}()
		r.run(ctx, inv)
	}()
}

// Inflight reports how many invocations are currently running.
func (r *Router) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Wait blocks until every in-flight invocation has resolved or ctx
// ends. Used during session teardown.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) run(ctx context.Context, inv Invocation) {
	started := time.Now()

	args, argErr := parseArguments(inv.Arguments)
	if argErr != nil {
		r.deliver(ctx, Result{
			InvocationID: inv.ID,
			Name:         inv.Name,
			Outcome:      OutcomeFailed,
			Err:          argErr,
			Duration:     time.Since(started),
		})
		return
	}

	h, ok := r.registry.Get(inv.Name)
	if !ok {
		r.deliver(ctx, Result{
			InvocationID: inv.ID,
			Name:         inv.Name,
			Outcome:      OutcomeFailed,
			Err:          core.NewToolExecutionError(inv.Name, fmt.Errorf("unknown tool %q", inv.Name)),
			Duration:     time.Since(started),
		})
		return
	}

	if h.Exclusive() {
		r.exclusive.Lock()
		defer r.exclusive.Unlock()
	} else {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			r.logger.Debug("invocation abandoned before start", "tool", inv.Name, "invocation_id", inv.ID)
			return
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.InvocationTimeout)
	defer cancel()

	type handlerResult struct {
		output any
		err    *core.Error
	}
	resCh := make(chan handlerResult, 1)
	go func() {
		out, herr := h.Execute(execCtx, args)
		resCh <- handlerResult{output: out, err: herr}
	}()

	select {
	case hr := <-resCh:
		res := Result{InvocationID: inv.ID, Name: inv.Name, Duration: time.Since(started)}
		if hr.err != nil {
			res.Outcome = OutcomeFailed
			res.Err = hr.err
		} else {
			res.Outcome = OutcomeCompleted
			res.Output = hr.output
		}
		r.deliver(ctx, res)
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Session teardown: there is no AI leg left to report to.
			r.logger.Debug("invocation abandoned", "tool", inv.Name, "invocation_id", inv.ID)
			return
		}
		// The handler may still finish; its result is discarded so the
		// invocation resolves exactly once.
		go func() {
			<-resCh
			r.logger.Debug("late result discarded", "tool", inv.Name, "invocation_id", inv.ID)
		}()
		r.deliver(ctx, Result{
			InvocationID: inv.ID,
			Name:         inv.Name,
			Outcome:      OutcomeTimedOut,
			Err:          core.NewToolExecutionError(inv.Name, context.DeadlineExceeded),
			Duration:     time.Since(started),
		})
	}
}

func (r *Router) deliver(ctx context.Context, res Result) {
	if res.Err != nil {
		res.Err = res.Err.WithCallID(r.callID)
	}

	switch res.Outcome {
	case OutcomeCompleted:
		r.logger.Info("tool completed", "tool", res.Name, "invocation_id", res.InvocationID, "duration_ms", res.Duration.Milliseconds())
	case OutcomeTimedOut:
		r.logger.Warn("tool timed out", "tool", res.Name, "invocation_id", res.InvocationID, "duration_ms", res.Duration.Milliseconds())
	default:
		r.logger.Warn("tool failed", "tool", res.Name, "invocation_id", res.InvocationID, "error", res.Err)
	}

	if r.report == nil {
		return
	}
	if err := r.report(ctx, res); err != nil {
		r.logger.Warn("tool result delivery failed", "tool", res.Name, "invocation_id", res.InvocationID, "error", err)
	}
}

func parseArguments(raw string) (map[string]any, *core.Error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, core.NewValidationErrorWithParam("tool arguments are not valid JSON", "arguments")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
