// Package realtime maintains the AI leg of a call: a websocket session
// against the vendor's realtime voice API. The session speaks PCM16 at
// 24 kHz in both directions; telephony transcoding happens in the
// bridge, not here.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/audio"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/bridge"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"
)

const (
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultModel       = "gpt-realtime"
	defaultVoice       = "alloy"
	defaultDialTimeout = 10 * time.Second
	defaultPingPeriod  = 20 * time.Second

	// outputBuffer is sized for a few seconds of vendor audio; the
	// bridge applies its own bounded lane behind it.
	outputBuffer = 256
	eventBuffer  = 64
)

// Config describes one realtime session.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Voice        string
	Instructions string
	Temperature  float64

	// TranscriptionModel enables caller-side transcription when set.
	TranscriptionModel string

	// Tools is advertised on the session; calls come back as
	// FunctionCallEvents.
	Tools []tools.Definition

	// VAD overrides the vendor's server-side turn detection defaults.
	VAD *TurnDetectionConfig

	DialTimeout time.Duration
	PingPeriod  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Voice == "" {
		c.Voice = defaultVoice
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	return c
}

// Session is one live realtime conversation. It implements the bridge's
// AI leg.
type Session struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	output chan []byte
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	suppressOutput atomic.Bool
	responseActive atomic.Bool
	droppedAudio   atomic.Uint64

	playMu     sync.Mutex
	playItemID string
	playedMS   int

	errMu sync.Mutex
	err   error
}

var _ bridge.AILeg = (*Session)(nil)

// Dial connects, waits for session.created, and pushes the session
// configuration. The returned session is live; consume OutputAudio and
// Events promptly.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, core.NewValidationErrorWithParam("realtime api key is required", "api_key")
	}
	if logger == nil {
		logger = slog.Default()
	}

	wsURL, err := sessionURL(cfg.BaseURL, cfg.Model)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cfg.APIKey)

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransientNetworkError("realtime dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, core.NewTransientNetworkError("realtime dial", err)
	}

	// The vendor announces the session before accepting client events.
	_ = conn.SetReadDeadline(time.Now().Add(cfg.DialTimeout))
	var created serverEvent
	if err := conn.ReadJSON(&created); err != nil {
		_ = conn.Close()
		return nil, core.NewTransientNetworkError("realtime handshake", err)
	}
	if created.Type == "error" {
		_ = conn.Close()
		msg := "session rejected"
		if created.Error != nil {
			msg = created.Error.Message
		}
		return nil, core.NewProtocolError("realtime session rejected: " + msg)
	}
	if created.Type != "session.created" {
		_ = conn.Close()
		return nil, core.NewProtocolError(fmt.Sprintf("unexpected first event %q, want session.created", created.Type))
	}

	pongWait := 3 * cfg.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &Session{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "realtime"),
		output: make(chan []byte, outputBuffer),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	if err := s.sendJSON(sessionUpdateEvent{
		Type:    "session.update",
		Session: s.sessionConfig(),
	}); err != nil {
		_ = conn.Close()
		return nil, core.NewTransientNetworkError("session update", err)
	}

	go s.readLoop()
	go s.pingLoop()

	s.logger.Debug("realtime session established", "model", cfg.Model, "voice", cfg.Voice)
	return s, nil
}

func (s *Session) sessionConfig() SessionConfig {
	vad := s.cfg.VAD
	if vad == nil {
		vad = &TurnDetectionConfig{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		}
	}

	sc := SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      s.cfg.Instructions,
		Voice:             s.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     vad,
		Tools:             s.cfg.Tools,
		Temperature:       s.cfg.Temperature,
	}
	if len(sc.Tools) > 0 {
		sc.ToolChoice = "auto"
	}
	if s.cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &TranscriptionConfig{Model: s.cfg.TranscriptionModel}
	}
	return sc
}

// AppendAudio pushes caller PCM into the vendor's input buffer. Commit
// is left to the server VAD.
func (s *Session) AppendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	return s.sendJSON(audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// OutputAudio yields assistant PCM chunks. The channel closes when the
// session ends.
func (s *Session) OutputAudio() <-chan []byte {
	return s.output
}

// Events yields function calls, transcripts, and VAD markers.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Interrupt cancels the in-progress response and truncates the
// conversation item to the audio already handed to the caller leg.
// Deltas still in flight for the cancelled response are dropped.
func (s *Session) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.suppressOutput.Store(true)
	s.drainOutput()

	s.playMu.Lock()
	itemID := s.playItemID
	playedMS := s.playedMS
	s.playMu.Unlock()

	if itemID != "" && playedMS > 0 {
		if err := s.sendJSON(itemTruncateEvent{
			Type:         "conversation.item.truncate",
			ItemID:       itemID,
			ContentIndex: 0,
			AudioEndMS:   playedMS,
		}); err != nil {
			return err
		}
	}
	return s.sendJSON(responseCancelEvent{Type: "response.cancel"})
}

// SendToolResult reports a tool outcome and asks the model to speak.
func (s *Session) SendToolResult(ctx context.Context, callID, output string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sendJSON(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.sendJSON(responseCreateEvent{Type: "response.create"})
}

// CreateResponse asks the model to speak unprompted. Used for the
// greeting turn; instructions scope to this one response.
func (s *Session) CreateResponse(ctx context.Context, instructions string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := responseCreateEvent{Type: "response.create"}
	if instructions != "" {
		ev.Response = &responseParams{Instructions: instructions}
	}
	return s.sendJSON(ev)
}

// ResponseActive reports whether a model response is in flight.
func (s *Session) ResponseActive() bool {
	return s.responseActive.Load()
}

// DroppedAudio counts output chunks discarded because the consumer fell
// behind or an interrupt suppressed them.
func (s *Session) DroppedAudio() uint64 {
	return s.droppedAudio.Load()
}

// Close shuts the session down. Safe to call repeatedly; blocks until
// the read loop has exited.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Done closes when the read loop exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal session error, nil on clean shutdown. Blocks
// until the session ends.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return core.NewProtocolError("realtime session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.output)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(core.NewTransientNetworkError("realtime read", err))
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("undecodable realtime event", "error", err)
			continue
		}
		s.handleServerEvent(ev)
	}
}

func (s *Session) handleServerEvent(ev serverEvent) {
	switch ev.Type {
	case "response.output_audio.delta", "response.audio.delta":
		if s.suppressOutput.Load() {
			s.droppedAudio.Add(1)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Warn("undecodable audio delta", "error", err)
			return
		}
		s.trackPlayback(ev.ItemID, pcm)
		select {
		case s.output <- pcm:
		default:
			s.droppedAudio.Add(1)
		}

	case "response.created":
		s.suppressOutput.Store(false)
		s.responseActive.Store(true)
		s.playMu.Lock()
		s.playItemID = ""
		s.playedMS = 0
		s.playMu.Unlock()

	case "response.done":
		s.responseActive.Store(false)
		done := ResponseDoneEvent{}
		if ev.Response != nil {
			done.ID = ev.Response.ID
			done.Status = ev.Response.Status
		}
		s.emit(done)

	case "response.function_call_arguments.done":
		if ev.CallID == "" || ev.Name == "" {
			s.logger.Warn("function call missing call_id or name dropped")
			return
		}
		s.emit(FunctionCallEvent{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments})

	case "input_audio_buffer.speech_started":
		s.emit(SpeechStartedEvent{})

	case "input_audio_buffer.speech_stopped":
		s.emit(SpeechStoppedEvent{})

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		s.emit(TranscriptEvent{Role: "assistant", Text: ev.Delta})

	case "response.output_audio_transcript.done", "response.audio_transcript.done":
		s.emit(TranscriptEvent{Role: "assistant", Text: ev.Transcript, Final: true})

	case "conversation.item.input_audio_transcription.completed":
		s.emit(TranscriptEvent{Role: "caller", Text: ev.Transcript, Final: true})

	case "session.created", "session.updated",
		"response.output_item.added", "response.output_item.done",
		"response.content_part.added", "response.content_part.done",
		"response.output_audio.done", "response.audio.done",
		"input_audio_buffer.committed", "conversation.item.created",
		"conversation.item.truncated", "rate_limits.updated":
		// Bookkeeping events the gateway does not act on.

	case "error":
		if ev.Error != nil && ev.Error.Code == "response_cancel_not_active" {
			// Cancelling an already-finished response is routine
			// during barge-in.
			s.logger.Debug("cancel raced response completion")
			return
		}
		e := ErrorEvent{}
		if ev.Error != nil {
			e.Code = ev.Error.Code
			e.Message = ev.Error.Message
		}
		s.logger.Warn("realtime error event", "code", e.Code, "message", e.Message)
		s.emit(e)

	default:
		s.logger.Debug("unhandled realtime event", "type", ev.Type)
	}
}

// trackPlayback estimates how much of the current item reached the
// caller, for truncation on interrupt.
func (s *Session) trackPlayback(itemID string, pcm []byte) {
	ms := audio.AIFormat().DurationMs(len(pcm))
	s.playMu.Lock()
	if itemID != "" && itemID != s.playItemID {
		s.playItemID = itemID
		s.playedMS = 0
	}
	s.playedMS += ms
	s.playMu.Unlock()
}

func (s *Session) drainOutput() {
	for {
		select {
		case _, ok := <-s.output:
			if !ok {
				return
			}
			s.droppedAudio.Add(1)
		default:
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event consumer behind, dropped", "type", ev.eventType())
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// sessionURL appends the model selector to the configured endpoint.
func sessionURL(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", core.NewValidationErrorWithParam("invalid realtime base url", "base_url")
	}
	switch u.Scheme {
	case "wss", "ws":
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", core.NewValidationErrorWithParam(fmt.Sprintf("unsupported realtime scheme %q", u.Scheme), "base_url")
	}
	q := u.Query()
	if strings.TrimSpace(model) != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
