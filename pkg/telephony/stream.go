package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
)

const (
	// inboundQueueDepth holds about two seconds of 20 ms frames while
	// the relay catches up.
	inboundQueueDepth = 100

	readWait   = 60 * time.Second
	writeWait  = 5 * time.Second
	pingPeriod = 20 * time.Second
)

// Track names on the provider's media socket.
const (
	trackInbound  = "inbound"
	trackOutbound = "outbound"
)

type mediaEnvelope struct {
	Event string        `json:"event"`
	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	CallID      string       `json:"call_id,omitempty"`
	MediaFormat *mediaFormat `json:"media_format,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track   string `json:"track"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload string `json:"payload"`
}

// MediaStream wraps the websocket the provider opens toward the
// gateway's media endpoint for one call. Frames are JSON text messages
// carrying base64 u-law payloads; inbound and outbound run as
// independent tracks.
type MediaStream struct {
	callID string
	conn   *websocket.Conn
	logger *slog.Logger

	inbound chan []byte
	started chan struct{}
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	writeMu   sync.Mutex

	outSeq  atomic.Uint64
	lastSeq uint64
	dropped atomic.Uint64

	errMu sync.Mutex
	err   error
}

// NewMediaStream takes ownership of an upgraded provider connection and
// starts its read and keepalive loops.
func NewMediaStream(callID string, conn *websocket.Conn, logger *slog.Logger) *MediaStream {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MediaStream{
		callID:  callID,
		conn:    conn,
		logger:  logger.With("component", "media_stream", "call_id", callID),
		inbound: make(chan []byte, inboundQueueDepth),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go m.readLoop()
	go m.pingLoop()
	return m
}

func (m *MediaStream) CallID() string { return m.callID }

// Started closes once the provider's start frame arrives and media can
// flow in both directions.
func (m *MediaStream) Started() <-chan struct{} { return m.started }

// Done closes when the stream has fully shut down.
func (m *MediaStream) Done() <-chan struct{} { return m.done }

// Err returns the terminal stream error, nil on clean shutdown. Blocks
// until the stream ends.
func (m *MediaStream) Err() error {
	<-m.done
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Dropped reports inbound payloads evicted because the relay stalled.
func (m *MediaStream) Dropped() uint64 { return m.dropped.Load() }

// ReadMedia blocks for the next inbound u-law payload. It returns
// io.EOF once the provider stops the stream and the buffer drains.
func (m *MediaStream) ReadMedia(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-m.inbound:
		if !ok {
			return nil, io.EOF
		}
		return payload, nil
	}
}

// WriteMedia sends a u-law payload to the caller on the outbound track.
func (m *MediaStream) WriteMedia(ctx context.Context, payload []byte) error {
	if m.closed.Load() {
		return core.NewProtocolError("media stream is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.writeJSON(mediaEnvelope{
		Event: "media",
		Media: &mediaPayload{
			Track:   trackOutbound,
			Seq:     m.outSeq.Add(1),
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// Close tears the socket down and waits for the read loop to exit. Safe
// to call multiple times.
func (m *MediaStream) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		m.writeMu.Unlock()
		_ = m.conn.Close()
	})
	<-m.done
	return nil
}

func (m *MediaStream) writeJSON(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteJSON(v)
}

func (m *MediaStream) readLoop() {
	defer close(m.done)
	defer close(m.inbound)

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if m.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			m.setErr(core.NewTransientNetworkError("media read", err).WithCallID(m.callID))
			return
		}
		m.conn.SetReadDeadline(time.Now().Add(readWait))

		if !m.handleFrame(data) {
			return
		}
	}
}

// handleFrame processes one provider frame; false means the stream is
// over.
func (m *MediaStream) handleFrame(data []byte) bool {
	var frame mediaEnvelope
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("unparseable media frame dropped", "error", err)
		return true
	}

	switch frame.Event {
	case "connected":
		// Preamble before the start frame.
		return true

	case "start":
		if frame.Start != nil && frame.Start.MediaFormat != nil {
			f := frame.Start.MediaFormat
			m.logger.Info("media stream started",
				"encoding", f.Encoding, "sample_rate", f.SampleRate, "channels", f.Channels)
		} else {
			m.logger.Info("media stream started")
		}
		m.startOnce.Do(func() { close(m.started) })
		return true

	case "media":
		m.handleMedia(frame.Media)
		return true

	case "stop":
		m.logger.Info("media stream stopped by provider")
		return false

	default:
		m.logger.Debug("unknown media event", "event", frame.Event)
		return true
	}
}

func (m *MediaStream) handleMedia(info *mediaPayload) {
	if info == nil || info.Track != trackInbound {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(info.Payload)
	if err != nil {
		m.logger.Warn("undecodable media payload dropped", "error", err)
		return
	}
	if info.Seq != 0 {
		if m.lastSeq != 0 && info.Seq != m.lastSeq+1 {
			m.logger.Debug("inbound media sequence gap", "want", m.lastSeq+1, "got", info.Seq)
		}
		m.lastSeq = info.Seq
	}

	select {
	case m.inbound <- payload:
		return
	default:
	}
	// Queue full: evict the oldest payload so fresh caller audio keeps
	// flowing.
	select {
	case <-m.inbound:
		m.dropped.Add(1)
	default:
	}
	select {
	case m.inbound <- payload:
	default:
		m.dropped.Add(1)
	}
}

func (m *MediaStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (m *MediaStream) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}
