package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
)

type published struct {
	subject string
	data    []byte
}

type sink struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	block chan struct{}
}

func (s *sink) publish(subject string, data []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, published{subject: subject, data: data})
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *sink) msg(i int) published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPublishSubjectAndPayload(t *testing.T) {
	s := &sink{}
	p := newNATSPublisher(s.publish, "calls", 8, testLogger())
	defer p.Close(context.Background())

	ended := time.Date(2026, 3, 10, 17, 4, 5, 0, time.UTC)
	p.Publish(calls.Snapshot{
		ID:        "c-1",
		State:     calls.StateEnded,
		Direction: calls.DirectionInbound,
		Caller:    "+14255550111",
		Callee:    "+14255550100",
		EndReason: "remote_hangup",
		EndedAt:   ended,
	})

	waitFor(t, 2*time.Second, func() bool { return s.count() == 1 }, "event never published")

	msg := s.msg(0)
	if msg.subject != "calls.ended" {
		t.Fatalf("subject = %q, want calls.ended", msg.subject)
	}
	var got event
	if err := json.Unmarshal(msg.data, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.CallID != "c-1" || got.State != "ended" || got.EndReason != "remote_hangup" {
		t.Fatalf("payload = %+v", got)
	}
	if got.ID == "" {
		t.Fatalf("missing event id: %+v", got)
	}
	if got.At != "2026-03-10T17:04:05Z" {
		t.Fatalf("at = %q", got.At)
	}
}

func TestLiveSnapshotStampsCurrentTime(t *testing.T) {
	s := &sink{}
	p := newNATSPublisher(s.publish, "calls", 8, testLogger())
	defer p.Close(context.Background())

	before := time.Now().Add(-time.Second)
	p.Publish(calls.Snapshot{ID: "c-1", State: calls.StateActive})
	waitFor(t, 2*time.Second, func() bool { return s.count() == 1 }, "event never published")

	var got event
	if err := json.Unmarshal(s.msg(0).data, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	at, err := time.Parse(time.RFC3339Nano, got.At)
	if err != nil {
		t.Fatalf("at %q: %v", got.At, err)
	}
	if at.Before(before) || at.After(time.Now().Add(time.Second)) {
		t.Fatalf("at = %v, want roughly now", at)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	block := make(chan struct{})
	s := &sink{block: block}
	p := newNATSPublisher(s.publish, "calls", 1, testLogger())

	start := time.Now()
	for i := 0; i < 3; i++ {
		p.Publish(calls.Snapshot{ID: "c-1", State: calls.StateActive})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked for %v", elapsed)
	}
	if got := p.droppedCount(); got < 1 {
		t.Fatalf("dropped = %d, want at least 1", got)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := int64(s.count()) + p.droppedCount(); got != 3 {
		t.Fatalf("published+dropped = %d, want 3", got)
	}
}

func TestPublishFailureDoesNotStopWorker(t *testing.T) {
	s := &sink{err: errors.New("broker gone")}
	p := newNATSPublisher(s.publish, "calls", 8, testLogger())

	p.Publish(calls.Snapshot{ID: "c-1", State: calls.StateActive})
	p.Publish(calls.Snapshot{ID: "c-2", State: calls.StateActive})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Both events were attempted and rejected without wedging the
	// worker; nothing was recorded.
	if got := s.count(); got != 0 {
		t.Fatalf("recorded %d messages from a failing broker", got)
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	s := &sink{}
	p := newNATSPublisher(s.publish, "calls", 8, testLogger())
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p.Publish(calls.Snapshot{ID: "c-late", State: calls.StateEnded})
	time.Sleep(20 * time.Millisecond)
	if got := s.count(); got != 0 {
		t.Fatalf("published after close: %d", got)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = Noop{}
	pub.Publish(calls.Snapshot{ID: "c-1"})
	if err := pub.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
