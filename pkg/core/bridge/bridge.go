// Package bridge relays duplex audio between a phone call's media stream
// and an AI realtime voice session. Each call owns one Bridge with two
// independent simplex lanes plus barge-in handling: caller speech during
// AI playback interrupts the AI leg and discards its buffered output.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	coreerr "github.com/aiappsgbb/gpt-realtime-agents/pkg/core"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/audio"
)

// TelephonyLeg is the duplex media surface of the phone call. The bridge
// is the exclusive reader and writer of the leg for the call's lifetime.
type TelephonyLeg interface {
	// ReadMedia blocks until the next u-law media payload from the
	// caller, the context ends, or the stream closes.
	ReadMedia(ctx context.Context) ([]byte, error)

	// WriteMedia sends one u-law media payload toward the caller.
	WriteMedia(ctx context.Context, payload []byte) error
}

// AILeg is the realtime-session surface of the AI conversation.
type AILeg interface {
	// AppendAudio appends caller PCM to the session's input buffer.
	AppendAudio(ctx context.Context, pcm []byte) error

	// OutputAudio exposes AI speech as PCM chunks in arrival order. The
	// channel closes when the session ends.
	OutputAudio() <-chan []byte

	// Interrupt cancels in-progress generation and discards output the
	// vendor has buffered for the current turn.
	Interrupt(ctx context.Context) error
}

// TerminationCause says why a bridge stopped.
type TerminationCause string

const (
	CauseStopped         TerminationCause = "stopped"
	CauseTelephonyClosed TerminationCause = "telephony_closed"
	CauseAIClosed        TerminationCause = "ai_closed"
	CauseError           TerminationCause = "error"
)

// Relay is the capability surface a call session drives. The telephony
// Bridge is the in-tree variant; alternate leg pairings implement the
// same surface and are chosen when the session goes active.
type Relay interface {
	Start(ctx context.Context) error
	Stop(cause TerminationCause)
	SendAudio(pcm []byte) bool
	Interrupt(ctx context.Context) error
	SetMuted(muted bool)
	Muted() bool
	Done() <-chan struct{}
	Cause() (TerminationCause, error)
}

// Stats is a point-in-time snapshot of relay counters.
type Stats struct {
	FramesToAI        uint64 `json:"frames_to_ai"`
	FramesToTelephony uint64 `json:"frames_to_telephony"`
	DroppedCapture    uint64 `json:"dropped_capture"`
	DroppedPlayout    uint64 `json:"dropped_playout"`
	Interrupts        uint64 `json:"interrupts"`
}

// Bridge moves audio between the two legs of one call.
type Bridge struct {
	callID string
	cfg    Config
	tel    TelephonyLeg
	ai     AILeg
	logger *slog.Logger

	capture  *audio.FrameQueue
	playout  *audio.FrameQueue
	detector *SpeechDetector

	muted       atomic.Bool
	lastWriteNs atomic.Int64
	seqIn       atomic.Uint64
	seqOut      atomic.Uint64
	interrupts  atomic.Uint64

	closed   core.Fuse
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	cause  TerminationCause
	err    error
}

var _ Relay = (*Bridge)(nil)

// New creates a bridge for one call. Neither leg is touched until Start.
func New(callID string, tel TelephonyLeg, ai AILeg, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Bridge{
		callID:   callID,
		cfg:      cfg,
		tel:      tel,
		ai:       ai,
		logger:   logger.With("component", "bridge", "call_id", callID),
		capture:  audio.NewFrameQueue(cfg.CaptureQueueDepth),
		playout:  audio.NewFrameQueue(cfg.PlayoutQueueDepth),
		detector: NewSpeechDetector(cfg.BargeIn, audio.AIFormat()),
		done:     make(chan struct{}),
	}
}

// Start launches the relay lanes. It returns immediately; watch Done for
// termination.
func (b *Bridge) Start(ctx context.Context) error {
	if b.tel == nil || b.ai == nil {
		return coreerr.NewFatalCallError("bridge started without both legs", nil).WithCallID(b.callID)
	}

	laneCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		cancel()
		return coreerr.NewProtocolError("bridge already started").WithCallID(b.callID)
	}
	b.cancel = cancel
	b.mu.Unlock()

	// A Stop that raced ahead of us has already closed done; the lanes
	// would only spin on a dead context.
	if b.closed.IsBroken() {
		cancel()
		return coreerr.NewProtocolError("bridge already stopped").WithCallID(b.callID)
	}

	b.wg.Add(4)
	go b.captureLoop(laneCtx)
	go b.forwardLoop(laneCtx)
	go b.playoutPump(laneCtx)
	go b.playoutWriter(laneCtx)

	go func() {
		b.wg.Wait()
		b.doneOnce.Do(func() { close(b.done) })
	}()

	b.logger.Info("bridge started")
	return nil
}

// Stop terminates the relay. Safe to call concurrently and repeatedly.
func (b *Bridge) Stop(cause TerminationCause) {
	b.terminate(cause, nil)
}

// Done is closed once all lanes have exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Cause reports why the bridge stopped. Meaningful after Done.
func (b *Bridge) Cause() (TerminationCause, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause, b.err
}

// SetMuted toggles caller-audio suppression. While muted the
// Telephony->AI lane forwards nothing; detection and the AI->Telephony
// lane are unaffected.
func (b *Bridge) SetMuted(muted bool) {
	b.muted.Store(muted)
}

// Muted reports the caller-audio suppression flag.
func (b *Bridge) Muted() bool {
	return b.muted.Load()
}

// SendAudio injects a PCM chunk into the playout lane, ahead of the
// telephony encode step. Used for locally generated cues. Returns false
// if the lane dropped a frame to make room.
func (b *Bridge) SendAudio(pcm []byte) bool {
	seq := b.seqOut.Add(1)
	return b.playout.Push(audio.Frame{
		CallID:    b.callID,
		Direction: audio.TowardTelephony,
		Seq:       seq,
		PCM:       pcm,
	})
}

// Interrupt cancels the AI's current turn and discards its buffered
// output. Exposed for call-control actions; barge-in uses the same path.
func (b *Bridge) Interrupt(ctx context.Context) error {
	dropped := b.playout.Flush()
	b.lastWriteNs.Store(0)
	b.interrupts.Add(1)

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.InterruptTimeout)
	defer cancel()
	err := b.ai.Interrupt(ictx)
	if err != nil {
		b.logger.Warn("interrupt signal failed", "error", err)
		return coreerr.NewTransientNetworkError("interrupt", err).WithCallID(b.callID)
	}

	b.logger.Info("ai output interrupted", "dropped_frames", dropped)
	return nil
}

// Emitting reports whether the AI->Telephony lane is actively playing.
func (b *Bridge) Emitting() bool {
	if b.playout.Len() > 0 {
		return true
	}
	last := b.lastWriteNs.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < b.cfg.EmittingIdle
}

// Stats returns a snapshot of the relay counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesToAI:        b.seqIn.Load(),
		FramesToTelephony: b.seqOut.Load(),
		DroppedCapture:    b.capture.Dropped(),
		DroppedPlayout:    b.playout.Dropped(),
		Interrupts:        b.interrupts.Load(),
	}
}

// captureLoop reads caller media, transcodes it, runs speech detection,
// and feeds the capture queue. It never blocks on the AI leg.
func (b *Bridge) captureLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		payload, err := b.tel.ReadMedia(ctx)
		if err != nil {
			if ctx.Err() != nil || b.closed.IsBroken() {
				return
			}
			b.terminate(CauseTelephonyClosed, coreerr.NewTransientNetworkError("media read", err).WithCallID(b.callID))
			return
		}
		if len(payload) == 0 {
			continue
		}

		pcm := audio.TelephonyToAI(payload)

		if b.detector.Process(pcm) && b.Emitting() {
			b.bargeIn(ctx)
		}

		if b.muted.Load() {
			continue
		}

		seq := b.seqIn.Add(1)
		if !b.capture.Push(audio.Frame{
			CallID:    b.callID,
			Direction: audio.TowardAI,
			Seq:       seq,
			PCM:       pcm,
		}) {
			b.logger.Debug("capture lane full, dropped oldest frame")
		}
	}
}

// forwardLoop drains the capture queue into the AI leg.
func (b *Bridge) forwardLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.capture.C():
			if err := b.appendWithRetry(ctx, f.PCM); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.terminate(CauseAIClosed, err)
				return
			}
		}
	}
}

// playoutPump moves AI output into the playout queue as tagged frames.
func (b *Bridge) playoutPump(ctx context.Context) {
	defer b.wg.Done()

	out := b.ai.OutputAudio()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-out:
			if !ok {
				b.terminate(CauseAIClosed, nil)
				return
			}
			seq := b.seqOut.Add(1)
			if !b.playout.Push(audio.Frame{
				CallID:    b.callID,
				Direction: audio.TowardTelephony,
				Seq:       seq,
				PCM:       pcm,
			}) {
				b.logger.Debug("playout lane full, dropped oldest frame")
			}
		}
	}
}

// playoutWriter drains the playout queue onto the telephony leg.
func (b *Bridge) playoutWriter(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.playout.C():
			payload := audio.AIToTelephony(f.PCM)
			if err := b.writeWithRetry(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.terminate(CauseTelephonyClosed, err)
				return
			}
			b.lastWriteNs.Store(time.Now().UnixNano())
		}
	}
}

// bargeIn handles a speech detection during AI playback: flush first so
// stale audio stops immediately, then signal the AI leg off the hot
// path. Flush-to-signal completes well under 50 ms.
func (b *Bridge) bargeIn(ctx context.Context) {
	dropped := b.playout.Flush()
	b.lastWriteNs.Store(0)
	b.interrupts.Add(1)

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.InterruptTimeout)
	go func() {
		defer cancel()
		if err := b.ai.Interrupt(ictx); err != nil {
			b.logger.Warn("barge-in interrupt failed", "error", err)
		}
	}()

	b.logger.Info("barge-in",
		"dropped_frames", dropped,
		"window_energy", b.detector.WindowEnergy(),
	)
}

func (b *Bridge) appendWithRetry(ctx context.Context, pcm []byte) error {
	var err error
	backoff := b.cfg.RetryBackoff
	for attempt := 0; attempt <= b.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = b.ai.AppendAudio(ctx, pcm); err == nil {
			return nil
		}
	}
	return coreerr.NewTransientNetworkError("ai append", err).WithCallID(b.callID)
}

func (b *Bridge) writeWithRetry(ctx context.Context, payload []byte) error {
	var err error
	backoff := b.cfg.RetryBackoff
	for attempt := 0; attempt <= b.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = b.tel.WriteMedia(ctx, payload); err == nil {
			return nil
		}
	}
	return coreerr.NewTransientNetworkError("media write", err).WithCallID(b.callID)
}

// terminate records the first cause and stops all lanes. Later calls are
// no-ops, so racing triggers (explicit stop, leg failures) are safe.
func (b *Bridge) terminate(cause TerminationCause, err error) {
	b.closed.Once(func() {
		b.mu.Lock()
		b.cause = cause
		b.err = err
		cancel := b.cancel
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		} else {
			// Never started: there are no lanes to wait for.
			b.doneOnce.Do(func() { close(b.done) })
		}

		if err != nil {
			b.logger.Warn("bridge terminated", "cause", string(cause), "error", err)
		} else {
			b.logger.Info("bridge terminated", "cause", string(cause))
		}
	})
}
