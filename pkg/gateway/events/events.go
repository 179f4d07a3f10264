// Package events turns provider webhook deliveries into the gateway's
// normalized call-event stream: handshake echo, authenticity checks,
// duplicate suppression, and payload translation all happen here so the
// session manager only ever sees well-formed events.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

// Kind enumerates the normalized call lifecycle events.
type Kind string

const (
	KindIncomingCall           Kind = "incoming_call"
	KindAnswered               Kind = "answered"
	KindMediaStreamEstablished Kind = "media_stream_established"
	KindParticipantAdded       Kind = "participant_added"
	KindParticipantRemoved     Kind = "participant_removed"
	KindRemoteHangup           Kind = "remote_hangup"
	KindUnrecoverableError     Kind = "unrecoverable_error"
)

// Event is one normalized provider notification.
type Event struct {
	// ID is the provider's delivery id, used for duplicate
	// suppression. Internally raised events synthesize one.
	ID     string
	Kind   Kind
	CallID string

	// From and To carry the caller and callee numbers on IncomingCall.
	From string
	To   string

	// Participant names the affected party on participant events.
	Participant string

	// Reason carries hangup and failure detail.
	Reason string

	Time time.Time
}

const (
	defaultDedupSize  = 4096
	defaultDedupTTL   = 5 * time.Minute
	defaultQueueDepth = 256
)

// Config tunes verification and the dedup window.
type Config struct {
	// SharedSecret authenticates deliveries via the secret query
	// parameter the provider was subscribed with.
	SharedSecret string

	// HMACKey authenticates deliveries via an HMAC-SHA256 signature
	// header over the raw body. Takes precedence over SharedSecret.
	HMACKey string

	DedupSize  int
	DedupTTL   time.Duration
	QueueDepth int
}

func (c Config) withDefaults() Config {
	if c.DedupSize <= 0 {
		c.DedupSize = defaultDedupSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaultDedupTTL
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	return c
}

// Gateway validates and normalizes provider deliveries onto a bounded
// event channel.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	seen *expirable.LRU[string, struct{}]
	out  chan Event

	dropped atomic.Uint64
}

// New builds a gateway. The event channel is never closed; consumers
// stop via their own context.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:    cfg,
		logger: logger.With("component", "event_gateway"),
		seen:   expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		out:    make(chan Event, cfg.QueueDepth),
	}
}

// Events returns the normalized event stream consumed by the session
// manager.
func (g *Gateway) Events() <-chan Event {
	return g.out
}

// Dropped reports events lost to a full queue.
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

// Publish enqueues an internally raised event, such as the media
// endpoint reporting an established stream. It shares the dedup window
// with webhook deliveries.
func (g *Gateway) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("internal-%s-%s", ev.Kind, ev.CallID)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if _, dup := g.seen.Get(ev.ID); dup {
		g.logger.Debug("duplicate internal event suppressed", "event_id", ev.ID)
		return
	}
	g.seen.Add(ev.ID, struct{}{})
	g.enqueue(ev)
}

// WebhookResult summarizes one processed delivery.
type WebhookResult struct {
	// ValidationResponse is the handshake code to echo back; empty for
	// ordinary deliveries.
	ValidationResponse string

	Accepted   int
	Duplicates int
}

// Provider webhook envelope. Deliveries arrive as an array of events;
// a bare object is tolerated.
type providerEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

type providerCallData struct {
	CallID         string `json:"call_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Participant    string `json:"participant"`
	Reason         string `json:"reason"`
	ValidationCode string `json:"validation_code"`
}

const validationEventType = "subscription.validation"

var kindByType = map[string]Kind{
	"call.incoming":                KindIncomingCall,
	"call.answered":                KindAnswered,
	"call.media_streaming_started": KindMediaStreamEstablished,
	"call.participant_added":       KindParticipantAdded,
	"call.participant_removed":     KindParticipantRemoved,
	"call.disconnected":            KindRemoteHangup,
	"call.failed":                  KindUnrecoverableError,
}

// Process parses one authenticated delivery body, answers validation
// handshakes, and enqueues the surviving events. Malformed bodies fail
// with a validation error; malformed individual events are logged and
// skipped so one bad event cannot poison a batch.
func (g *Gateway) Process(body []byte) (*WebhookResult, error) {
	batch, err := decodeBatch(body)
	if err != nil {
		return nil, err
	}

	result := &WebhookResult{}
	for _, pe := range batch {
		var data providerCallData
		if len(pe.Data) > 0 {
			if err := json.Unmarshal(pe.Data, &data); err != nil {
				g.logger.Warn("undecodable event data skipped", "event_id", pe.ID, "type", pe.Type, "error", err)
				continue
			}
		}

		if pe.Type == validationEventType {
			if data.ValidationCode == "" {
				g.logger.Warn("validation handshake without code")
				continue
			}
			result.ValidationResponse = data.ValidationCode
			g.logger.Info("subscription validation handshake answered")
			continue
		}

		kind, ok := kindByType[pe.Type]
		if !ok {
			g.logger.Debug("unhandled provider event type", "type", pe.Type, "event_id", pe.ID)
			continue
		}
		if pe.ID == "" {
			g.logger.Warn("event without id skipped", "type", pe.Type)
			continue
		}
		if data.CallID == "" {
			g.logger.Warn("event without call id skipped", "type", pe.Type, "event_id", pe.ID)
			continue
		}

		if _, dup := g.seen.Get(pe.ID); dup {
			result.Duplicates++
			g.logger.Debug("duplicate delivery suppressed", "event_id", pe.ID, "call_id", data.CallID)
			continue
		}
		g.seen.Add(pe.ID, struct{}{})

		g.enqueue(Event{
			ID:          pe.ID,
			Kind:        kind,
			CallID:      data.CallID,
			From:        data.From,
			To:          data.To,
			Participant: data.Participant,
			Reason:      data.Reason,
			Time:        pe.Time,
		})
		result.Accepted++
	}
	return result, nil
}

func (g *Gateway) enqueue(ev Event) {
	select {
	case g.out <- ev:
	default:
		g.dropped.Add(1)
		g.logger.Warn("event queue full, delivery dropped",
			"event_id", ev.ID, "kind", ev.Kind, "call_id", ev.CallID)
	}
}

func decodeBatch(body []byte) ([]providerEvent, error) {
	trimmed := firstNonSpace(body)
	switch trimmed {
	case '[':
		var batch []providerEvent
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, core.NewValidationError("webhook body is not a valid event array")
		}
		return batch, nil
	case '{':
		var single providerEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, core.NewValidationError("webhook body is not a valid event")
		}
		return []providerEvent{single}, nil
	default:
		return nil, core.NewValidationError("webhook body is not JSON")
	}
}

func firstNonSpace(body []byte) byte {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return b
		}
	}
	return 0
}
