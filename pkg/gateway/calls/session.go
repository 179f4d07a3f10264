package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/bridge"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/realtime"
)

// State is a call session's lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// stateRank orders states so transitions can only move forward. Ended
// and Failed share the terminal rank; neither can follow the other.
var stateRank = map[State]int{
	StateIdle:       0,
	StateRinging:    1,
	StateConnecting: 2,
	StateActive:     3,
	StateEnding:     4,
	StateEnded:      5,
	StateFailed:     5,
}

// Direction tells which side initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MediaHandle is the telephony media surface a session owns once the
// provider's stream connects.
type MediaHandle interface {
	bridge.TelephonyLeg

	// Started closes when the provider's start frame arrives.
	Started() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

// AISession is the realtime leg surface a session owns once dialed.
type AISession interface {
	bridge.AILeg

	Events() <-chan realtime.Event
	SendToolResult(ctx context.Context, callID, output string) error
	CreateResponse(ctx context.Context, instructions string) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Session is one phone call. The manager is its only writer; readers
// get point-in-time Snapshots.
type Session struct {
	id        string
	direction Direction
	caller    string
	callee    string
	createdAt time.Time

	mu           sync.Mutex
	state        State
	muted        bool
	onHold       bool
	mediaReady   bool
	participants []string
	endedAt      time.Time
	endReason    string
	media        MediaHandle
	ai           AISession
	relay        bridge.Relay
	router       *tools.Router
	setupTimer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	closed core.Fuse

	logger *slog.Logger
}

func newSession(parent context.Context, id string, direction Direction, caller, callee string, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        id,
		direction: direction,
		caller:    caller,
		callee:    callee,
		createdAt: time.Now(),
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("call_id", id),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Direction() Direction { return s.direction }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the state forward. It reports false when the session is
// already at or past the target, which makes event replay a no-op.
func (s *Session) advance(target State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[target] <= stateRank[s.state] {
		return false
	}
	s.state = target
	return true
}

// finish records the terminal state with its reason. Like advance it is
// forward-only, so a session that already Ended cannot become Failed.
func (s *Session) finish(end State, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[end] <= stateRank[s.state] {
		return false
	}
	s.state = end
	s.endedAt = time.Now()
	s.endReason = reason
	return true
}

func (s *Session) attachMedia(m MediaHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != nil || s.closed.IsBroken() {
		return false
	}
	s.media = m
	return true
}

func (s *Session) attachAI(ai AISession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ai != nil || s.closed.IsBroken() {
		return false
	}
	s.ai = ai
	return true
}

// attachRelay completes the session at activation; the staged mute flag
// is applied to the new relay.
func (s *Session) attachRelay(relay bridge.Relay, router *tools.Router) {
	s.mu.Lock()
	s.relay = relay
	s.router = router
	muted := s.muted
	s.mu.Unlock()
	if muted {
		relay.SetMuted(true)
	}
}

func (s *Session) handles() (MediaHandle, AISession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media, s.ai
}

func (s *Session) relayAndRouter() (bridge.Relay, *tools.Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay, s.router
}

// SetMuted suppresses caller audio toward the AI leg. Before the relay
// exists the flag is staged and applied at activation.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	relay := s.relay
	s.mu.Unlock()
	if relay != nil {
		relay.SetMuted(muted)
	}
}

func (s *Session) setHold(onHold bool) {
	s.mu.Lock()
	s.onHold = onHold
	s.muted = onHold
	relay := s.relay
	s.mu.Unlock()
	if relay != nil {
		relay.SetMuted(onHold)
	}
}

// markMediaReady records the provider's streaming-started signal. The
// media handle may attach before or after it.
func (s *Session) markMediaReady() {
	s.mu.Lock()
	s.mediaReady = true
	s.mu.Unlock()
}

func (s *Session) isMediaReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaReady
}

func (s *Session) addParticipant(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p == id {
			return
		}
	}
	s.participants = append(s.participants, id)
}

func (s *Session) removeParticipant(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.participants {
		if p == id {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return
		}
	}
}

func (s *Session) armSetupTimer(d time.Duration, expired func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setupTimer != nil {
		s.setupTimer.Stop()
	}
	s.setupTimer = time.AfterFunc(d, expired)
}

func (s *Session) stopSetupTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
}

// Snapshot is the read model served by the status API and passed to
// transition hooks.
type Snapshot struct {
	ID                 string    `json:"id"`
	State              State     `json:"state"`
	Direction          Direction `json:"direction"`
	Caller             string    `json:"caller,omitempty"`
	Callee             string    `json:"callee,omitempty"`
	Muted              bool      `json:"muted"`
	OnHold             bool      `json:"on_hold"`
	Participants       []string  `json:"participants,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	EndedAt            time.Time `json:"ended_at,omitzero"`
	EndReason          string    `json:"end_reason,omitempty"`
	PendingInvocations int       `json:"pending_invocations"`
}

// Snapshot returns a point-in-time copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	router := s.router
	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		Direction: s.direction,
		Caller:    s.caller,
		Callee:    s.callee,
		Muted:     s.muted,
		OnHold:    s.onHold,
		CreatedAt: s.createdAt,
		EndedAt:   s.endedAt,
		EndReason: s.endReason,
	}
	if len(s.participants) > 0 {
		snap.Participants = append([]string(nil), s.participants...)
	}
	s.mu.Unlock()
	if router != nil {
		snap.PendingInvocations = router.Inflight()
	}
	return snap
}
