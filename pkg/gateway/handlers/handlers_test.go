package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/bridge"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// stubProvider accepts every call-control action.
type stubProvider struct {
	mu      sync.Mutex
	dialed  []string
	hangups []string
	dialID  string
}

func (p *stubProvider) Answer(ctx context.Context, callID string) error        { return nil }
func (p *stubProvider) Reject(ctx context.Context, callID, reason string) error { return nil }
func (p *stubProvider) Transfer(ctx context.Context, callID, target string) error {
	return nil
}
func (p *stubProvider) StartMediaStreaming(ctx context.Context, callID string) error { return nil }

func (p *stubProvider) Dial(ctx context.Context, callee, caller string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, callee)
	if p.dialID != "" {
		return p.dialID, nil
	}
	return fmt.Sprintf("out-%d", len(p.dialed)), nil
}

func (p *stubProvider) Hangup(ctx context.Context, callID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, callID)
	return nil
}

// stubAI is a realtime leg that absorbs audio and stays open until
// closed.
type stubAI struct {
	output chan []byte
	events chan realtime.Event
	done   chan struct{}

	mu       sync.Mutex
	appended int

	closeOnce sync.Once
}

func newStubAI() *stubAI {
	return &stubAI{
		output: make(chan []byte, 16),
		events: make(chan realtime.Event, 16),
		done:   make(chan struct{}),
	}
}

func (a *stubAI) AppendAudio(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appended++
	return nil
}

func (a *stubAI) appendedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appended
}

func (a *stubAI) OutputAudio() <-chan []byte { return a.output }
func (a *stubAI) Interrupt(ctx context.Context) error                   { return nil }
func (a *stubAI) Events() <-chan realtime.Event                         { return a.events }
func (a *stubAI) SendToolResult(ctx context.Context, callID, output string) error {
	return nil
}
func (a *stubAI) CreateResponse(ctx context.Context, instructions string) error { return nil }
func (a *stubAI) Done() <-chan struct{}                                         { return a.done }
func (a *stubAI) Err() error                                                    { return nil }

func (a *stubAI) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		close(a.events)
		close(a.output)
	})
	return nil
}

var _ calls.AISession = (*stubAI)(nil)

// testStack is a running manager plus the event gateway feeding it.
type testStack struct {
	provider *stubProvider
	gateway  *events.Gateway
	manager  *calls.Manager

	mu       sync.Mutex
	aiByCall map[string]*stubAI
}

func (s *testStack) aiFor(id string) *stubAI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiByCall[id]
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	provider := &stubProvider{}
	stack := &testStack{provider: provider, aiByCall: make(map[string]*stubAI)}
	dialer := func(ctx context.Context, callID string) (calls.AISession, error) {
		ai := newStubAI()
		stack.mu.Lock()
		stack.aiByCall[callID] = ai
		stack.mu.Unlock()
		return ai, nil
	}
	m, err := calls.NewManager(provider, dialer, calls.Config{
		Greeting:            "Greet the caller and ask how you can help.",
		CallerID:            "+14255550100",
		SetupTimeout:        2 * time.Second,
		OutboundRingTimeout: 2 * time.Second,
		SessionGrace:        100 * time.Millisecond,
		Bridge:              bridge.DefaultConfig(),
		Tools:               tools.Config{InvocationTimeout: time.Second, MaxConcurrent: 2},
	}, testLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	g := events.New(events.Config{SharedSecret: "hunter2"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		m.Run(ctx, g.Events())
	}()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer shutdownCancel()
		_ = m.Shutdown(shutdownCtx)
		cancel()
		<-runDone
	})

	stack.gateway = g
	stack.manager = m
	return stack
}

// startInboundCall walks a call up to the point where the provider
// would open the media socket.
func (s *testStack) startInboundCall(t *testing.T, id string) {
	t.Helper()
	s.gateway.Publish(events.Event{
		Kind:   events.KindIncomingCall,
		CallID: id,
		From:   "+14255550111",
		To:     "+14255550100",
	})
	s.gateway.Publish(events.Event{Kind: events.KindAnswered, CallID: id})
	waitFor(t, time.Second, func() bool {
		snap, ok := s.manager.Snapshot(id)
		return ok && snap.State == calls.StateConnecting
	}, "call never reached connecting")
}

// routes mirrors the server's mux patterns so PathValue works in tests.
func (s *testStack) routes() http.Handler {
	mux := http.NewServeMux()
	callsH := CallsHandler{Manager: s.manager, Logger: testLogger()}
	mux.HandleFunc("POST /v1/calls", callsH.Create)
	mux.HandleFunc("GET /v1/calls", callsH.List)
	mux.HandleFunc("GET /v1/calls/{id}", callsH.Get)
	mux.HandleFunc("DELETE /v1/calls/{id}", callsH.Hangup)
	mux.Handle("GET /v1/media/{id}", MediaHandler{Manager: s.manager, Events: s.gateway, Logger: testLogger()})
	mux.Handle("POST /v1/events/telephony", WebhookHandler{Events: s.gateway, Logger: testLogger()})
	return mux
}
