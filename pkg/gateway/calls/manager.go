package calls

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	coreerr "github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/bridge"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/realtime"
)

const (
	defaultSetupTimeout    = 15 * time.Second
	defaultRingTimeout     = 45 * time.Second
	defaultSessionGrace    = 5 * time.Second
	providerOpTimeout      = 5 * time.Second
	reasonRemoteHangup     = "remote_hangup"
	reasonAssistantHangup  = "assistant_hangup"
	reasonOperatorHangup   = "operator_hangup"
	reasonTransferred      = "transferred"
	reasonShutdown         = "shutdown"
	reasonNoAnswer         = "no_answer"
	reasonSetupTimeout     = "setup_timeout"
	reasonCapacityRejected = "busy"
	reasonDraining         = "draining"
)

// Provider is the telephony call-control surface the manager drives.
type Provider interface {
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
	Dial(ctx context.Context, callee, caller string) (string, error)
	Transfer(ctx context.Context, callID, target string) error
	Hangup(ctx context.Context, callID, reason string) error
	StartMediaStreaming(ctx context.Context, callID string) error
}

// AIDialer opens a realtime session for one call.
type AIDialer func(ctx context.Context, callID string) (AISession, error)

// Config tunes the manager.
type Config struct {
	// Greeting is the instruction for the assistant's opening turn.
	Greeting string

	// CallerID is the number outbound calls present.
	CallerID string

	// MaxConcurrentCalls caps live sessions; incoming calls beyond the
	// cap are rejected. Zero means unlimited.
	MaxConcurrentCalls int

	// SetupTimeout bounds each pre-Active phase: ring-to-answer for
	// inbound calls, answer-to-media for both directions.
	SetupTimeout time.Duration

	// OutboundRingTimeout bounds how long a dialed call may ring.
	OutboundRingTimeout time.Duration

	// SessionGrace is how long teardown waits for in-flight tool
	// invocations before closing the handles anyway.
	SessionGrace time.Duration

	Bridge bridge.Config
	Tools  tools.Config

	// OnTransition observes state changes as snapshots. It is called
	// from several goroutines and must return quickly.
	OnTransition func(Snapshot)
}

func (c Config) withDefaults() Config {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = defaultSetupTimeout
	}
	if c.OutboundRingTimeout <= 0 {
		c.OutboundRingTimeout = defaultRingTimeout
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = defaultSessionGrace
	}
	return c
}

// Manager owns every call session from first notification to teardown.
// It consumes the normalized event stream, answers within the
// provider's deadline, assembles the bridge and tool router when a call
// goes active, and guarantees teardown runs exactly once per session.
type Manager struct {
	cfg      Config
	provider Provider
	dialAI   AIDialer
	registry *Registry
	logger   *slog.Logger
	draining atomic.Bool
}

func NewManager(provider Provider, dialAI AIDialer, cfg Config, logger *slog.Logger) (*Manager, error) {
	if provider == nil {
		return nil, coreerr.NewValidationErrorWithParam("telephony provider is required", "provider")
	}
	if dialAI == nil {
		return nil, coreerr.NewValidationErrorWithParam("ai dialer is required", "dialAI")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		dialAI:   dialAI,
		registry: NewRegistry(),
		logger:   logger.With("component", "calls"),
	}, nil
}

// Run consumes the normalized event stream until ctx ends or the
// channel closes. All lifecycle transitions funnel through one
// goroutine, so per-session ordering matches delivery order.
func (m *Manager) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one normalized event. Replaying an event a
// session has already moved past is a no-op; events for unknown call
// ids other than IncomingCall are dropped as stale or racing teardown.
func (m *Manager) HandleEvent(ev events.Event) {
	if ev.Kind == events.KindIncomingCall {
		m.handleIncoming(ev)
		return
	}

	s, ok := m.registry.Lookup(ev.CallID)
	if !ok {
		m.logger.Debug("event for unknown call dropped", "kind", string(ev.Kind), "call_id", ev.CallID)
		return
	}

	switch ev.Kind {
	case events.KindAnswered:
		if !s.advance(StateConnecting) {
			return
		}
		s.armSetupTimer(m.cfg.SetupTimeout, func() { m.setupExpired(s) })
		m.logger.Info("call answered", "call_id", s.id)
		m.notify(s)
		go m.setup(s)
	case events.KindMediaStreamEstablished:
		m.handleMediaEstablished(s)
	case events.KindParticipantAdded:
		s.addParticipant(ev.Participant)
		m.logger.Info("participant added", "call_id", s.id, "participant", ev.Participant)
		m.notify(s)
	case events.KindParticipantRemoved:
		s.removeParticipant(ev.Participant)
		m.logger.Info("participant removed", "call_id", s.id, "participant", ev.Participant)
		m.notify(s)
	case events.KindRemoteHangup:
		m.logger.Info("remote hangup", "call_id", s.id, "reason", ev.Reason)
		m.endSession(s, reasonRemoteHangup)
	case events.KindUnrecoverableError:
		reason := ev.Reason
		if reason == "" {
			reason = "provider_error"
		}
		m.failSession(s, reason, coreerr.NewFatalCallError("provider reported unrecoverable failure", nil).WithCallID(s.id))
	default:
		m.logger.Debug("unhandled event kind", "kind", string(ev.Kind), "call_id", ev.CallID)
	}
}

func (m *Manager) handleIncoming(ev events.Event) {
	if m.draining.Load() {
		go m.reject(ev.CallID, reasonDraining)
		return
	}
	if m.cfg.MaxConcurrentCalls > 0 && m.registry.Count() >= m.cfg.MaxConcurrentCalls {
		go m.reject(ev.CallID, reasonCapacityRejected)
		return
	}

	s := newSession(context.Background(), ev.CallID, DirectionInbound, ev.From, ev.To, m.logger)
	if !m.registry.InsertIfAbsent(s) {
		m.logger.Debug("duplicate incoming call ignored", "call_id", ev.CallID)
		s.cancel()
		return
	}
	s.advance(StateRinging)
	s.armSetupTimer(m.cfg.SetupTimeout, func() { m.setupExpired(s) })
	m.logger.Info("incoming call", "call_id", ev.CallID, "from", ev.From, "to", ev.To)
	m.notify(s)

	// Answering happens off the event loop so one slow provider round
	// trip cannot eat into other sessions' answer deadlines. The
	// provider client enforces the hard deadline itself.
	go m.answer(s)
}

func (m *Manager) answer(s *Session) {
	if err := m.provider.Answer(s.ctx, s.id); err != nil {
		m.failSession(s, "answer_failed", err)
		return
	}
	m.logger.Info("answer accepted", "call_id", s.id)
}

func (m *Manager) reject(callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), providerOpTimeout)
	defer cancel()
	if err := m.provider.Reject(ctx, callID, reason); err != nil {
		m.logger.Warn("reject failed", "call_id", callID, "error", err)
		return
	}
	m.logger.Info("call rejected", "call_id", callID, "reason", reason)
}

// setup runs the answered-to-active leg work: dial the AI session, then
// ask the provider to start streaming media toward us.
func (m *Manager) setup(s *Session) {
	ai, err := m.dialAI(s.ctx, s.id)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		m.failSession(s, "ai_dial_failed", err)
		return
	}
	if !s.attachAI(ai) {
		// Teardown got there first.
		_ = ai.Close()
		return
	}

	if err := m.provider.StartMediaStreaming(s.ctx, s.id); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		m.failSession(s, "media_start_failed", err)
		return
	}
	m.logger.Info("media streaming requested", "call_id", s.id)
	m.tryActivate(s)
}

func (m *Manager) handleMediaEstablished(s *Session) {
	switch s.State() {
	case StateIdle, StateRinging:
		m.failSession(s, "protocol_violation",
			coreerr.NewProtocolError("media stream established before answer").WithCallID(s.id))
	case StateConnecting:
		s.markMediaReady()
		m.tryActivate(s)
	default:
		// Replay after activation, or a teardown race.
	}
}

// AttachMedia hands the provider's media stream to its session. The
// caller keeps ownership (and must close the stream) on error.
func (m *Manager) AttachMedia(callID string, media MediaHandle) error {
	s, ok := m.registry.Lookup(callID)
	if !ok {
		return coreerr.NewNotFoundError("no active call for media stream").WithCallID(callID)
	}
	if !s.attachMedia(media) {
		return coreerr.NewProtocolError("media stream already attached").WithCallID(callID)
	}
	m.logger.Info("media stream attached", "call_id", callID)
	m.tryActivate(s)
	return nil
}

// tryActivate promotes the session to Active once all three conditions
// hold: AI leg attached, media handle attached, streaming confirmed.
// The state advance is the check-and-set that makes activation happen
// exactly once no matter which precondition lands last.
func (m *Manager) tryActivate(s *Session) {
	media, ai := s.handles()
	if media == nil || ai == nil || !s.isMediaReady() {
		return
	}
	if !s.advance(StateActive) {
		return
	}
	s.stopSetupTimer()

	actions := &sessionActions{m: m, s: s}
	registry := tools.NewRegistry(tools.Builtins(actions)...)
	report := func(ctx context.Context, res tools.Result) error {
		return ai.SendToolResult(ctx, res.InvocationID, toolResultPayload(res))
	}
	router := tools.NewRouter(s.id, registry, report, m.cfg.Tools, m.logger)
	relay := bridge.New(s.id, media, ai, m.cfg.Bridge, m.logger)
	s.attachRelay(relay, router)

	if err := relay.Start(s.ctx); err != nil {
		m.failSession(s, "bridge_start_failed", err)
		return
	}
	go m.watch(s, relay, ai, router)

	if err := ai.CreateResponse(s.ctx, m.cfg.Greeting); err != nil {
		m.logger.Warn("greeting request failed", "call_id", s.id, "error", err)
	}
	m.logger.Info("call active", "call_id", s.id, "direction", string(s.direction))
	m.notify(s)
}

// watch follows one active call: AI session events feed the tool router
// and transcript log; relay termination decides how the session ends.
func (m *Manager) watch(s *Session, relay bridge.Relay, ai AISession, router *tools.Router) {
	aiEvents := ai.Events()
	for {
		select {
		case <-relay.Done():
			cause, err := relay.Cause()
			switch cause {
			case bridge.CauseStopped:
				// Teardown stopped it; nothing left to decide.
			case bridge.CauseTelephonyClosed:
				if err != nil {
					m.logger.Info("media stream lost", "call_id", s.id, "error", err)
				}
				m.endSession(s, reasonRemoteHangup)
			default:
				m.failSession(s, "ai_leg_closed", err)
			}
			return
		case ev, ok := <-aiEvents:
			if !ok {
				// Session closed; the relay notices via its output
				// channel and Done fires shortly.
				aiEvents = nil
				continue
			}
			m.handleAIEvent(s, router, ev)
		}
	}
}

func (m *Manager) handleAIEvent(s *Session, router *tools.Router, ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.FunctionCallEvent:
		router.Dispatch(s.ctx, tools.Invocation{
			ID:        ev.CallID,
			Name:      ev.Name,
			Arguments: ev.Arguments,
		})
	case realtime.TranscriptEvent:
		if ev.Final {
			m.logger.Info("transcript", "call_id", s.id, "role", ev.Role, "text", ev.Text)
		}
	case realtime.ErrorEvent:
		m.logger.Warn("ai session error", "call_id", s.id, "code", ev.Code, "message", ev.Message)
	case realtime.SpeechStartedEvent:
		m.logger.Debug("caller speech started", "call_id", s.id)
	case realtime.SpeechStoppedEvent:
		m.logger.Debug("caller speech stopped", "call_id", s.id)
	case realtime.ResponseDoneEvent:
		m.logger.Debug("response done", "call_id", s.id, "response_id", ev.ID, "status", ev.Status)
	}
}

func (m *Manager) endSession(s *Session, reason string) {
	go m.teardown(s, StateEnded, reason, bridge.CauseStopped, false)
}

func (m *Manager) failSession(s *Session, reason string, err error) {
	if err != nil {
		m.logger.Warn("call failing", "call_id", s.id, "reason", reason, "error", err)
	}
	go m.teardown(s, StateFailed, reason, bridge.CauseError, true)
}

// teardown releases everything a session owns. The fuse makes it run
// exactly once however many trigger paths race; later callers block
// until the first finishes. The registry entry goes first so lookups
// never observe a half-torn-down session.
func (m *Manager) teardown(s *Session, end State, reason string, cause bridge.TerminationCause, hangupProvider bool) {
	s.closed.Once(func() {
		m.registry.Remove(s.id)
		s.stopSetupTimer()

		if end == StateFailed {
			if s.finish(StateFailed, reason) {
				m.notify(s)
			}
		} else if s.advance(StateEnding) {
			m.notify(s)
		}

		if hangupProvider {
			hctx, hcancel := context.WithTimeout(context.Background(), providerOpTimeout)
			if err := m.provider.Hangup(hctx, s.id, reason); err != nil {
				m.logger.Debug("provider hangup during teardown failed", "call_id", s.id, "error", err)
			}
			hcancel()
		}

		relay, router := s.relayAndRouter()
		if relay != nil {
			relay.Stop(cause)
		}

		// In-flight invocations get the grace period to resolve and
		// report before the AI leg goes away; session context cancel
		// comes after so they are not aborted mid-handler.
		if router != nil {
			grace, gcancel := context.WithTimeout(context.Background(), m.cfg.SessionGrace)
			if err := router.Wait(grace); err != nil {
				m.logger.Warn("teardown grace expired with invocations in flight",
					"call_id", s.id, "in_flight", router.Inflight())
			}
			gcancel()
		}

		s.cancel()

		media, ai := s.handles()
		if ai != nil {
			if err := ai.Close(); err != nil {
				m.logger.Debug("ai leg close failed", "call_id", s.id, "error", err)
			}
		}
		if media != nil {
			if err := media.Close(); err != nil {
				m.logger.Debug("media stream close failed", "call_id", s.id, "error", err)
			}
		}

		if relay != nil {
			<-relay.Done()
		}

		if s.finish(end, reason) {
			m.notify(s)
		}
		snap := s.Snapshot()
		m.logger.Info("call ended",
			"call_id", s.id,
			"state", string(snap.State),
			"reason", snap.EndReason,
			"duration_ms", snap.EndedAt.Sub(snap.CreatedAt).Milliseconds(),
		)
	})
}

func (m *Manager) setupExpired(s *Session) {
	if stateRank[s.State()] >= stateRank[StateActive] {
		return
	}
	m.logger.Warn("call setup deadline expired", "call_id", s.id, "state", string(s.State()))
	m.teardown(s, StateFailed, reasonSetupTimeout, bridge.CauseError, true)
}

func (m *Manager) ringExpired(s *Session) {
	if stateRank[s.State()] >= stateRank[StateConnecting] {
		return
	}
	m.logger.Info("outbound call unanswered", "call_id", s.id)
	m.teardown(s, StateEnded, reasonNoAnswer, bridge.CauseStopped, true)
}

// StartOutbound dials a callee and registers the new session. The
// session rings until the provider reports Answered or the ring timeout
// ends it. An empty caller uses the configured caller id.
func (m *Manager) StartOutbound(ctx context.Context, callee, caller string) (Snapshot, error) {
	if callee == "" {
		return Snapshot{}, coreerr.NewValidationErrorWithParam("callee is required", "callee")
	}
	if caller == "" {
		caller = m.cfg.CallerID
	}
	if m.draining.Load() {
		return Snapshot{}, coreerr.NewInvalidRequestError("gateway is draining")
	}
	if m.cfg.MaxConcurrentCalls > 0 && m.registry.Count() >= m.cfg.MaxConcurrentCalls {
		return Snapshot{}, coreerr.NewInvalidRequestError("call capacity reached")
	}

	id, err := m.provider.Dial(ctx, callee, caller)
	if err != nil {
		return Snapshot{}, err
	}

	s := newSession(context.Background(), id, DirectionOutbound, caller, callee, m.logger)
	s.advance(StateRinging)
	if !m.registry.InsertIfAbsent(s) {
		s.cancel()
		return Snapshot{}, coreerr.NewProtocolError("provider returned a call id already in use").WithCallID(id)
	}
	s.armSetupTimer(m.cfg.OutboundRingTimeout, func() { m.ringExpired(s) })
	m.logger.Info("outbound call placed", "call_id", id, "callee", callee)
	m.notify(s)
	return s.Snapshot(), nil
}

// Hangup ends a call on behalf of an operator or API client.
func (m *Manager) Hangup(ctx context.Context, id, reason string) error {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return coreerr.NewNotFoundError("no such call").WithCallID(id)
	}
	if reason == "" {
		reason = reasonOperatorHangup
	}
	if err := m.provider.Hangup(ctx, id, reason); err != nil {
		return err
	}
	m.endSession(s, reason)
	return nil
}

// Snapshot returns the read model for one live call.
func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Snapshots lists live calls, oldest first.
func (m *Manager) Snapshots() []Snapshot {
	live := m.registry.All()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCalls reports the number of live sessions.
func (m *Manager) ActiveCalls() int {
	return m.registry.Count()
}

// Draining reports whether Shutdown has begun.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// Shutdown drains the manager: new calls are refused, live calls get
// until ctx to finish naturally, then are torn down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)

	if m.registry.Wait(ctx) {
		return nil
	}

	forced := m.registry.CancelAll(func(s *Session) {
		go m.teardown(s, StateEnded, reasonShutdown, bridge.CauseStopped, true)
	})
	m.logger.Warn("forcing teardown of live calls", "count", forced)

	force, cancel := context.WithTimeout(context.Background(), m.cfg.SessionGrace+2*providerOpTimeout)
	defer cancel()
	if !m.registry.Wait(force) {
		return coreerr.NewProtocolError("sessions still live after forced teardown")
	}
	return nil
}

func (m *Manager) notify(s *Session) {
	if m.cfg.OnTransition == nil {
		return
	}
	m.cfg.OnTransition(s.Snapshot())
}

// toolResultPayload renders one invocation outcome as the JSON body of
// the function_call_output item the model reads.
func toolResultPayload(res tools.Result) string {
	if res.Outcome == tools.OutcomeCompleted {
		raw, err := json.Marshal(res.Output)
		if err != nil {
			return `{"error":"tool result could not be serialized"}`
		}
		return string(raw)
	}
	msg := "tool execution failed"
	if res.Err != nil {
		msg = res.Err.Message
	}
	raw, _ := json.Marshal(map[string]string{
		"status": string(res.Outcome),
		"error":  msg,
	})
	return string(raw)
}

// sessionActions adapts one live session to the built-in call-control
// tools.
type sessionActions struct {
	m *Manager
	s *Session
}

var _ tools.CallActions = (*sessionActions)(nil)

func (a *sessionActions) Info() tools.CallInfo {
	snap := a.s.Snapshot()
	return tools.CallInfo{
		CallID:          snap.ID,
		From:            snap.Caller,
		To:              snap.Callee,
		State:           string(snap.State),
		OnHold:          snap.OnHold,
		StartedAt:       snap.CreatedAt.UTC().Format(time.RFC3339),
		DurationSeconds: int64(time.Since(snap.CreatedAt).Seconds()),
	}
}

// Hangup ends the call at the provider, then schedules teardown. The
// teardown's grace wait lets this invocation's result reach the model
// before the AI leg closes.
func (a *sessionActions) Hangup(ctx context.Context, reason string) error {
	if err := a.m.provider.Hangup(ctx, a.s.id, reason); err != nil {
		return err
	}
	go a.m.teardown(a.s, StateEnded, reasonAssistantHangup, bridge.CauseStopped, false)
	return nil
}

func (a *sessionActions) Transfer(ctx context.Context, target string) error {
	if err := a.m.provider.Transfer(ctx, a.s.id, target); err != nil {
		return err
	}
	a.m.logger.Info("call transferred", "call_id", a.s.id, "target", target)
	go a.m.teardown(a.s, StateEnded, reasonTransferred, bridge.CauseStopped, false)
	return nil
}

func (a *sessionActions) Hold(ctx context.Context) error {
	a.s.setHold(true)
	a.m.logger.Info("call on hold", "call_id", a.s.id)
	return nil
}

func (a *sessionActions) Resume(ctx context.Context) error {
	a.s.setHold(false)
	a.m.logger.Info("call resumed", "call_id", a.s.id)
	return nil
}
