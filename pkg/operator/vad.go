// Package operator implements the two stateful DSP branches the pipeline
// orchestrator fans a chunk out to (spec §4.3, §4.4): voice-activity
// detection and wake-word detection. Both generalize the teacher's
// pkg/orchestrator.RMSVAD — a single-session RMS classifier with
// consecutive-frame hysteresis — into per-session-keyed, adaptive-threshold
// operators matching spec's fuller contract.
package operator

import (
	"math"
	"time"
)

// VADEventType mirrors the teacher's VADEventType naming
// (pkg/orchestrator/types.go) generalized to the edges spec §4.3 requires.
type VADEventType string

const (
	VADSpeechStart VADEventType = "speech_start"
	VADSpeechEnd   VADEventType = "speech_end"
	VADSilence     VADEventType = "silence"
)

// VADResult is what one VAD.Process call emits for a frame (spec §4.3:
// "emits speech_probability ... and a binary is_speech").
type VADResult struct {
	Probability float64
	IsSpeech    bool
	Event       VADEventType
	HasEvent    bool
}

// VADStats accumulates per-session statistics (spec §4.3: "speech/silence
// frames, segments, average confidence").
type VADStats struct {
	SpeechFrames    uint64
	SilenceFrames   uint64
	Segments        uint64
	confidenceSum   float64
	confidenceCount uint64
}

// AverageConfidence returns the mean smoothed probability observed so far.
func (s VADStats) AverageConfidence() float64 {
	if s.confidenceCount == 0 {
		return 0
	}
	return s.confidenceSum / float64(s.confidenceCount)
}

// VAD is a stateful, per-session classifier over fixed-size frames (spec
// §4.3: "512 samples at 16 kHz, mono, 16-bit signed"). The hidden state is
// the RMS energy itself plus the smoothing window and debounce counters;
// there is no neural model, matching the teacher's energy-based RMSVAD
// rather than a learned detector.
type VAD struct {
	frameSamples int

	smoothingWindow []float64
	windowSize      int

	adaptive     bool
	thresholdMin float64
	thresholdMax float64
	fixedThreshold float64

	minSilenceDuration time.Duration

	speaking        bool
	silenceSince    time.Time
	silenceArmed    bool

	history []float64 // trailing raw scores for adaptive threshold mean/stddev

	stats VADStats
}

// VADConfig configures one VAD instance (spec §4.3's tuning knobs,
// SPEC_FULL.md pkg/config.VADConfig).
type VADConfig struct {
	FrameSamples       int
	SmoothingWindow    int
	AdaptiveThreshold  bool
	ThresholdMin       float64
	ThresholdMax       float64
	FixedThreshold     float64
	MinSilenceDuration time.Duration
}

// NewVAD builds a VAD from cfg, grounded on the teacher's
// NewRMSVAD(consecutiveFrames, silenceLimit) constructor shape.
func NewVAD(cfg VADConfig) *VAD {
	fixed := cfg.FixedThreshold
	if fixed == 0 {
		fixed = 0.5
	}
	return &VAD{
		frameSamples:       cfg.FrameSamples,
		windowSize:         cfg.SmoothingWindow,
		adaptive:           cfg.AdaptiveThreshold,
		thresholdMin:       cfg.ThresholdMin,
		thresholdMax:       cfg.ThresholdMax,
		fixedThreshold:     fixed,
		minSilenceDuration: cfg.MinSilenceDuration,
	}
}

// Clone returns an independent VAD with the same configuration but fresh
// per-session state, mirroring the teacher's RMSVAD.Clone used to hand each
// new ManagedStream its own detector instance.
func (v *VAD) Clone() *VAD {
	return NewVAD(VADConfig{
		FrameSamples:       v.frameSamples,
		SmoothingWindow:    v.windowSize,
		AdaptiveThreshold:  v.adaptive,
		ThresholdMin:       v.thresholdMin,
		ThresholdMax:       v.thresholdMax,
		FixedThreshold:     v.fixedThreshold,
		MinSilenceDuration: v.minSilenceDuration,
	})
}

// Reset clears all hidden state, used on FSM RESET.
func (v *VAD) Reset() {
	v.smoothingWindow = nil
	v.speaking = false
	v.silenceArmed = false
	v.history = nil
	v.stats = VADStats{}
}

// Process classifies one frame of 16-bit signed PCM samples, returning the
// smoothed probability, the debounced is_speech bit, and an edge event if
// state changed this frame (spec §4.3).
func (v *VAD) Process(samples []int16, now time.Time) VADResult {
	raw := rms(samples)
	v.history = append(v.history, raw)
	if len(v.history) > 200 {
		v.history = v.history[len(v.history)-200:]
	}

	v.smoothingWindow = append(v.smoothingWindow, raw)
	if len(v.smoothingWindow) > v.windowSize {
		v.smoothingWindow = v.smoothingWindow[len(v.smoothingWindow)-v.windowSize:]
	}
	smoothed := weightedMean(v.smoothingWindow)

	threshold := v.fixedThreshold
	if v.adaptive {
		threshold = v.effectiveThreshold()
	}

	isSpeech := smoothed >= threshold
	v.stats.confidenceSum += smoothed
	v.stats.confidenceCount++

	result := VADResult{Probability: smoothed, IsSpeech: isSpeech}

	if isSpeech {
		v.stats.SpeechFrames++
		v.silenceArmed = false
		if !v.speaking {
			v.speaking = true
			v.stats.Segments++
			result.Event = VADSpeechStart
			result.HasEvent = true
		}
		return result
	}

	v.stats.SilenceFrames++
	if v.speaking {
		if !v.silenceArmed {
			v.silenceArmed = true
			v.silenceSince = now
		}
		if now.Sub(v.silenceSince) >= v.minSilenceDuration {
			v.speaking = false
			v.silenceArmed = false
			result.Event = VADSpeechEnd
			result.HasEvent = true
		} else {
			result.Event = VADSilence
			result.HasEvent = true
		}
	}
	return result
}

// effectiveThreshold computes mean + k*stddev over the trailing history,
// clamped to [ThresholdMin, ThresholdMax] (spec §4.3).
func (v *VAD) effectiveThreshold() float64 {
	const k = 1.0
	if len(v.history) < 2 {
		return v.thresholdMin
	}
	mean := 0.0
	for _, x := range v.history {
		mean += x
	}
	mean /= float64(len(v.history))
	var variance float64
	for _, x := range v.history {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(v.history))
	sigma := math.Sqrt(variance)

	t := mean + k*sigma
	if t < v.thresholdMin {
		t = v.thresholdMin
	}
	if t > v.thresholdMax {
		t = v.thresholdMax
	}
	return t
}

// Stats returns a copy of the accumulated per-session statistics.
func (v *VAD) Stats() VADStats { return v.stats }

// weightedMean applies more weight to more recent samples (spec §4.3:
// "weighted mean, more recent weighted higher"), mirroring a simple linear
// ramp rather than an exponential decay.
func weightedMean(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum, weightSum float64
	for i, v := range window {
		w := float64(i + 1)
		sum += v * w
		weightSum += w
	}
	return sum / weightSum
}

// rms computes the normalized RMS energy of a 16-bit PCM frame, in [0,1],
// matching the teacher's RMSVAD energy calculation.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}
