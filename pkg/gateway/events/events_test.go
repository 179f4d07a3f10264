package events

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(mutate func(*Config)) *Gateway {
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, testLogger())
}

func recvEvent(t *testing.T, g *Gateway) Event {
	t.Helper()
	select {
	case ev := <-g.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event on queue")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestProcessNormalizesEvents(t *testing.T) {
	g := newTestGateway(nil)

	body := `[
		{"id":"evt-1","type":"call.incoming","time":"2026-08-25T10:00:00Z",
		 "data":{"call_id":"abc123","from":"+14255550111","to":"+14255550100"}},
		{"id":"evt-2","type":"call.disconnected",
		 "data":{"call_id":"abc123","reason":"remote_hangup"}}
	]`

	result, err := g.Process([]byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", result.Accepted)
	}

	first := recvEvent(t, g)
	if first.Kind != KindIncomingCall {
		t.Errorf("kind = %v", first.Kind)
	}
	if first.CallID != "abc123" || first.From != "+14255550111" || first.To != "+14255550100" {
		t.Errorf("event = %+v", first)
	}
	if first.Time.IsZero() {
		t.Error("event time not carried over")
	}

	second := recvEvent(t, g)
	if second.Kind != KindRemoteHangup || second.Reason != "remote_hangup" {
		t.Errorf("event = %+v", second)
	}
}

func TestValidationHandshakeEchoed(t *testing.T) {
	g := newTestGateway(nil)

	body := `[{"id":"evt-v","type":"subscription.validation","data":{"validation_code":"code-777"}}]`
	result, err := g.Process([]byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.ValidationResponse != "code-777" {
		t.Errorf("validation response = %q", result.ValidationResponse)
	}
	if result.Accepted != 0 {
		t.Errorf("accepted = %d, handshake must not enqueue", result.Accepted)
	}
	assertNoEvent(t, g)
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	g := newTestGateway(nil)

	body := `[{"id":"evt-dup","type":"call.incoming","data":{"call_id":"abc123","from":"+1","to":"+2"}}]`
	if _, err := g.Process([]byte(body)); err != nil {
		t.Fatalf("first process: %v", err)
	}
	result, err := g.Process([]byte(body))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if result.Duplicates != 1 || result.Accepted != 0 {
		t.Errorf("result = %+v, want one duplicate and no accepts", result)
	}

	recvEvent(t, g)
	assertNoEvent(t, g)
}

func TestSkipsMalformedEventsInBatch(t *testing.T) {
	g := newTestGateway(nil)

	body := `[
		{"type":"call.incoming","data":{"call_id":"no-id"}},
		{"id":"evt-nc","type":"call.incoming","data":{}},
		{"id":"evt-u","type":"call.recording_started","data":{"call_id":"abc"}},
		{"id":"evt-bad","type":"call.incoming","data":"not an object"},
		{"id":"evt-ok","type":"call.answered","data":{"call_id":"abc123"}}
	]`
	result, err := g.Process([]byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Accepted != 1 {
		t.Errorf("accepted = %d, want only the well-formed event", result.Accepted)
	}

	ev := recvEvent(t, g)
	if ev.ID != "evt-ok" || ev.Kind != KindAnswered {
		t.Errorf("event = %+v", ev)
	}
	assertNoEvent(t, g)
}

func TestRejectsNonJSONBody(t *testing.T) {
	g := newTestGateway(nil)

	_, err := g.Process([]byte("not json"))
	if typ, ok := core.TypeOf(err); !ok || typ != core.ErrValidation {
		t.Errorf("error type = %v, want %v", typ, core.ErrValidation)
	}
	_, err = g.Process([]byte("[{broken"))
	if typ, ok := core.TypeOf(err); !ok || typ != core.ErrValidation {
		t.Errorf("error type = %v, want %v", typ, core.ErrValidation)
	}
}

func TestBareObjectBodyTolerated(t *testing.T) {
	g := newTestGateway(nil)

	body := `{"id":"evt-s","type":"call.answered","data":{"call_id":"abc123"}}`
	result, err := g.Process([]byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Accepted != 1 {
		t.Errorf("accepted = %d", result.Accepted)
	}
	if ev := recvEvent(t, g); ev.Kind != KindAnswered {
		t.Errorf("event = %+v", ev)
	}
}

func TestQueueFullDropsDelivery(t *testing.T) {
	g := newTestGateway(func(cfg *Config) {
		cfg.QueueDepth = 1
	})

	var sb strings.Builder
	sb.WriteString(`[`)
	for i := 0; i < 3; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"id":"evt-q` + string(rune('a'+i)) + `","type":"call.answered","data":{"call_id":"abc"}}`)
	}
	sb.WriteString(`]`)

	if _, err := g.Process([]byte(sb.String())); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := g.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	recvEvent(t, g)
	assertNoEvent(t, g)
}

func TestPublishSynthesizesIdentity(t *testing.T) {
	g := newTestGateway(nil)

	g.Publish(Event{Kind: KindMediaStreamEstablished, CallID: "abc123"})
	ev := recvEvent(t, g)
	if ev.ID == "" {
		t.Error("published event has no id")
	}
	if ev.Time.IsZero() {
		t.Error("published event has no timestamp")
	}

	// Re-publishing the same internal event is a no-op.
	g.Publish(Event{Kind: KindMediaStreamEstablished, CallID: "abc123"})
	assertNoEvent(t, g)
}
