package bridge

import "time"

// Config tunes one call's audio relay.
type Config struct {
	// ChunkDurationMs is the duration of one media frame. The telephony
	// provider streams 20 ms chunks.
	ChunkDurationMs int `json:"chunk_duration_ms"`

	// CaptureQueueDepth bounds the Telephony->AI lane, in frames.
	// Overflow drops the oldest frame. Default: 50 (1 s).
	CaptureQueueDepth int `json:"capture_queue_depth"`

	// PlayoutQueueDepth bounds the AI->Telephony lane, in frames.
	// Overflow drops the oldest frame. Default: 100 (2 s).
	PlayoutQueueDepth int `json:"playout_queue_depth"`

	// BargeIn configures caller speech detection during AI playback.
	BargeIn DetectorConfig `json:"barge_in"`

	// EmittingIdle is how long after the last playout write the bridge
	// still counts as emitting AI audio. Default: 250ms.
	EmittingIdle time.Duration `json:"emitting_idle"`

	// InterruptTimeout bounds the interrupt signal to the AI leg.
	// Default: 2s.
	InterruptTimeout time.Duration `json:"interrupt_timeout"`

	// WriteRetries is how many times a failed leg write is retried
	// before the bridge terminates. Default: 3.
	WriteRetries int `json:"write_retries"`

	// RetryBackoff is the initial backoff between write retries; it
	// doubles per attempt. Default: 250ms.
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkDurationMs:   20,
		CaptureQueueDepth: 50,
		PlayoutQueueDepth: 100,
		BargeIn:           DefaultDetectorConfig(),
		EmittingIdle:      250 * time.Millisecond,
		InterruptTimeout:  2 * time.Second,
		WriteRetries:      3,
		RetryBackoff:      250 * time.Millisecond,
	}
}

// withDefaults fills unset fields so a zero Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkDurationMs <= 0 {
		c.ChunkDurationMs = d.ChunkDurationMs
	}
	if c.CaptureQueueDepth <= 0 {
		c.CaptureQueueDepth = d.CaptureQueueDepth
	}
	if c.PlayoutQueueDepth <= 0 {
		c.PlayoutQueueDepth = d.PlayoutQueueDepth
	}
	if c.BargeIn.EnergyThreshold <= 0 {
		c.BargeIn.EnergyThreshold = d.BargeIn.EnergyThreshold
	}
	if c.BargeIn.MinVoicedFrames <= 0 {
		c.BargeIn.MinVoicedFrames = d.BargeIn.MinVoicedFrames
	}
	if c.BargeIn.CooldownMs <= 0 {
		c.BargeIn.CooldownMs = d.BargeIn.CooldownMs
	}
	if c.BargeIn.WindowMs <= 0 {
		c.BargeIn.WindowMs = d.BargeIn.WindowMs
	}
	if c.EmittingIdle <= 0 {
		c.EmittingIdle = d.EmittingIdle
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = d.InterruptTimeout
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = d.WriteRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	return c
}

// DetectorConfig configures the barge-in speech detector.
type DetectorConfig struct {
	// EnergyThreshold is the RMS level a frame must reach to count as
	// voiced. Higher than typical silence-gate thresholds to avoid false
	// positives from line noise. Default: 0.05.
	EnergyThreshold float64 `json:"energy_threshold"`

	// MinVoicedFrames is how many consecutive voiced frames confirm
	// speech. Default: 3 (60 ms of 20 ms frames).
	MinVoicedFrames int `json:"min_voiced_frames"`

	// CooldownMs suppresses repeat detections after one fires, so a
	// single utterance produces a single interrupt. Default: 400.
	CooldownMs int `json:"cooldown_ms"`

	// WindowMs is the rolling window of recent caller audio retained
	// for energy reporting. Default: 600.
	WindowMs int `json:"window_ms"`
}

// DefaultDetectorConfig returns a DetectorConfig with production
// defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		EnergyThreshold: 0.05,
		MinVoicedFrames: 3,
		CooldownMs:      400,
		WindowMs:        600,
	}
}
