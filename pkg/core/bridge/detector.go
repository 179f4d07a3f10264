package bridge

import (
	"sync"
	"time"

	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/audio"
)

// SpeechDetector decides when the caller is speaking. It is evaluated on
// every Telephony->AI frame; a detection while the AI is emitting audio
// is a barge-in.
//
// Detection is energy based: a frame whose RMS energy clears the
// threshold counts as voiced, and MinVoicedFrames consecutive voiced
// frames confirm speech. After a detection the cool-down suppresses
// further fires so one utterance triggers one interrupt.
type SpeechDetector struct {
	cfg DetectorConfig

	mu       sync.Mutex
	voiced   int
	lastFire time.Time
	window   *audio.Buffer
}

// NewSpeechDetector creates a detector for frames in the given format.
func NewSpeechDetector(cfg DetectorConfig, format audio.Format) *SpeechDetector {
	if cfg.MinVoicedFrames < 1 {
		cfg.MinVoicedFrames = 1
	}
	return &SpeechDetector{
		cfg:    cfg,
		window: audio.NewBuffer(format, cfg.WindowMs),
	}
}

// Process evaluates one PCM frame and returns true when a speech
// detection fires.
func (d *SpeechDetector) Process(pcm []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window.Write(pcm)

	if audio.CalculateRMSEnergy(pcm) < d.cfg.EnergyThreshold {
		d.voiced = 0
		return false
	}

	d.voiced++
	if d.voiced < d.cfg.MinVoicedFrames {
		return false
	}

	if cooldown := time.Duration(d.cfg.CooldownMs) * time.Millisecond; time.Since(d.lastFire) < cooldown {
		return false
	}

	d.lastFire = time.Now()
	d.voiced = 0
	return true
}

// WindowEnergy returns the RMS energy of the rolling window, used when
// reporting a detection.
func (d *SpeechDetector) WindowEnergy() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window.RMSEnergy()
}

// Reset clears detector state, including the cool-down.
func (d *SpeechDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voiced = 0
	d.lastFire = time.Time{}
	d.window.Clear()
}
