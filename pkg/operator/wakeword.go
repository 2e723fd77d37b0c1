package operator

import "time"

// WakeWordEvent is emitted when a detection fires (spec §4.4: "emits
// wake_triggered with {model, score, timestamp}").
type WakeWordEvent struct {
	Model     string
	Score     float64
	Timestamp time.Time
}

// WakeWord is a stateful, per-session detector over a sliding window of
// recent frame scores, gated by a threshold and a per-session cooldown
// (spec §4.4). Grounded on the teacher's per-session cooldown concept in
// managed_stream.go (the speechEndHold grace window reused here as the
// analogous "don't re-fire immediately" debounce).
type WakeWord struct {
	model       string
	windowSize  int
	threshold   float64
	cooldown    time.Duration

	scores   []float64
	lastFire time.Time
	fired    bool
}

// WakeWordConfig configures one WakeWord instance (spec §4.4,
// SPEC_FULL.md pkg/config.WakeWordConfig).
type WakeWordConfig struct {
	Model      string
	ScoreWindow int
	Threshold  float64
	Cooldown   time.Duration
}

// NewWakeWord builds a WakeWord detector from cfg.
func NewWakeWord(cfg WakeWordConfig) *WakeWord {
	return &WakeWord{
		model:      cfg.Model,
		windowSize: cfg.ScoreWindow,
		threshold:  cfg.Threshold,
		cooldown:   cfg.Cooldown,
	}
}

// Reset clears the cooldown and score window, used on FSM RESET (spec
// §4.4: "Cooldown is a per-session property and is reset on FSM RESET").
func (w *WakeWord) Reset() {
	w.scores = nil
	w.fired = false
	w.lastFire = time.Time{}
}

// Process feeds one frame's instantaneous detection score. It returns a
// WakeWordEvent and true if a detection fired this frame: the score exceeds
// the threshold and the cooldown since the last fire (if any) has elapsed.
func (w *WakeWord) Process(score float64, now time.Time) (WakeWordEvent, bool) {
	w.scores = append(w.scores, score)
	if len(w.scores) > w.windowSize {
		w.scores = w.scores[len(w.scores)-w.windowSize:]
	}

	if score <= w.threshold {
		return WakeWordEvent{}, false
	}
	if w.fired && now.Sub(w.lastFire) < w.cooldown {
		return WakeWordEvent{}, false
	}

	w.fired = true
	w.lastFire = now
	return WakeWordEvent{Model: w.model, Score: score, Timestamp: now}, true
}
