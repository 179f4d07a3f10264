// Package notify publishes call lifecycle events for downstream
// consumers (dashboards, billing, CDR pipelines). Publishing is fire
// and forget: a failure or a full queue never blocks call handling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
)

// Publisher receives session snapshots as calls move through their
// lifecycle.
type Publisher interface {
	Publish(snap calls.Snapshot)
	Close(ctx context.Context) error
}

// Noop discards every snapshot. It stands in when no broker is
// configured.
type Noop struct{}

func (Noop) Publish(calls.Snapshot) {}

func (Noop) Close(context.Context) error { return nil }

// Config configures the NATS publisher.
type Config struct {
	// URL is the NATS server address, nats://host:port.
	URL string

	// SubjectPrefix is prepended to the event name. Defaults to
	// "calls", so an ended call publishes on "calls.ended".
	SubjectPrefix string

	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	QueueDepth     int
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "calls"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// NATSPublisher publishes one message per session transition on
// {prefix}.{event}.
type NATSPublisher struct {
	conn    *nats.Conn
	publish func(subject string, data []byte) error
	prefix  string
	logger  *slog.Logger

	queue chan calls.Snapshot
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewNATS connects to the broker and starts the publish worker.
func NewNATS(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "notify")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("callgw"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}

	p := newNATSPublisher(conn.Publish, cfg.SubjectPrefix, cfg.QueueDepth, log)
	p.conn = conn
	log.Info("lifecycle publisher connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return p, nil
}

func newNATSPublisher(publish func(string, []byte) error, prefix string, depth int, logger *slog.Logger) *NATSPublisher {
	p := &NATSPublisher{
		publish: publish,
		prefix:  prefix,
		logger:  logger,
		queue:   make(chan calls.Snapshot, depth),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// Publish enqueues one snapshot.
func (p *NATSPublisher) Publish(snap calls.Snapshot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.queue <- snap:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("publish queue full, event dropped", "call_id", snap.ID, "state", string(snap.State))
	}
}

// Close drains queued events, flushes the connection, and closes it.
func (p *NATSPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if p.conn != nil {
		flush := 2 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < flush {
				flush = remaining
			}
		}
		if ferr := p.conn.FlushTimeout(flush); ferr != nil && err == nil {
			err = ferr
		}
		p.conn.Close()
	}
	return err
}

func (p *NATSPublisher) worker() {
	defer p.wg.Done()
	for snap := range p.queue {
		data, err := json.Marshal(wireEvent(snap))
		if err != nil {
			continue
		}
		subject := p.prefix + "." + string(snap.State)
		if err := p.publish(subject, data); err != nil {
			p.logger.Warn("event publish failed", "subject", subject, "call_id", snap.ID, "error", err)
		}
	}
}

func (p *NATSPublisher) droppedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// event is the wire shape consumers decode. Each publication carries
// its own id so consumers can dedupe across reconnects.
type event struct {
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	State     string `json:"state"`
	Direction string `json:"direction"`
	Caller    string `json:"caller,omitempty"`
	Callee    string `json:"callee,omitempty"`
	EndReason string `json:"end_reason,omitempty"`
	At        string `json:"at"`
}

func wireEvent(snap calls.Snapshot) event {
	at := snap.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	return event{
		ID:        uuid.New().String(),
		CallID:    snap.ID,
		State:     string(snap.State),
		Direction: string(snap.Direction),
		Caller:    snap.Caller,
		Callee:    snap.Callee,
		EndReason: snap.EndReason,
		At:        at.UTC().Format(time.RFC3339Nano),
	}
}
