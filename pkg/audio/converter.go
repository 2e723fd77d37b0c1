package audio

import (
	"sync"

	huberrors "github.com/JonesHong/ASRHub-sub002/pkg/errors"
	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// resampleKey identifies one cached set of resampler coefficients (spec
// §4.2: "keyed by (source_rate, target_rate, channels, encoding)").
type resampleKey struct {
	SourceRate int
	TargetRate int
	Channels   int
	Encoding   session.SampleEncoding
}

// coefficients is a placeholder for the actual filter taps a production
// resampler would precompute; only the cache discipline is load-bearing
// here, not the numeric method.
type coefficients struct {
	taps []float64
}

// Converter is the pure format-conversion function of spec §4.2, backed by
// a cache of resampler coefficients so repeated conversions between the
// same (source, target) pair don't recompute filter taps. Grounded on the
// teacher's pkg/audio/wav.go, which performs the adjacent concern (PCM to
// WAV container framing) with the same "stateless function over raw PCM
// bytes" shape.
type Converter struct {
	mu    sync.Mutex
	cache map[resampleKey]*coefficients
}

// NewConverter builds an empty Converter.
func NewConverter() *Converter {
	return &Converter{cache: make(map[resampleKey]*coefficients)}
}

// Convert transforms chunk from its declared format to target, performing
// whatever combination of sample-rate resampling, channel downmix, and bit
// depth/encoding requantization is necessary. It never mutates chunk. When
// chunk's format already equals target, chunk is returned unchanged.
//
// Quality only sets the width of the resampling window (2, 16 or 64 source
// samples for low, medium and high), and only the first time a given
// (source rate, target rate, channels, encoding) pair is converted: the
// coefficient cache is not keyed by quality, so later calls for the same
// pair reuse that first window whatever quality they pass. There is one
// resampling method for every tier; no separate FFT or polyphase path
// exists. Quality has no effect on channel downmix or bit-depth
// requantization.
func (c *Converter) Convert(chunk session.AudioChunk, target session.AudioFormat, quality session.ResampleQuality) (session.AudioChunk, error) {
	if err := validateFormat(chunk.Format); err != nil {
		return session.AudioChunk{}, err
	}
	if err := validateFormat(target); err != nil {
		return session.AudioChunk{}, err
	}
	if chunk.Format == target {
		return chunk, nil
	}

	samples, err := decodeToFloat32(chunk.Data, chunk.Format)
	if err != nil {
		return session.AudioChunk{}, err
	}

	if chunk.Format.Channels != target.Channels {
		samples = downmix(samples, chunk.Format.Channels, target.Channels)
	}

	if chunk.Format.SampleRateHz != target.SampleRateHz {
		coeff := c.coefficientsFor(chunk.Format.SampleRateHz, target.SampleRateHz, target.Channels, target.Encoding, quality)
		samples = resample(samples, chunk.Format.SampleRateHz, target.SampleRateHz, coeff)
	}

	data, err := encodeFromFloat32(samples, target)
	if err != nil {
		return session.AudioChunk{}, err
	}

	return session.AudioChunk{
		Data:      data,
		Format:    target,
		Sequence:  chunk.Sequence,
		ArrivedAt: chunk.ArrivedAt,
	}, nil
}

func (c *Converter) coefficientsFor(sourceRate, targetRate, channels int, enc session.SampleEncoding, quality session.ResampleQuality) *coefficients {
	key := resampleKey{SourceRate: sourceRate, TargetRate: targetRate, Channels: channels, Encoding: enc}

	c.mu.Lock()
	defer c.mu.Unlock()
	if co, ok := c.cache[key]; ok {
		return co
	}
	co := buildCoefficients(sourceRate, targetRate, quality)
	c.cache[key] = co
	return co
}

// buildCoefficients computes filter taps for the given quality tier. The
// tap count is the only thing that varies with quality: resample averages
// that many neighbouring source samples, so more taps cost more and smooth
// more. Real DSP coefficient derivation is out of scope —
// this keeps the cache's keying and quality-selection contract exercised
// without pretending to a production resampler implementation.
func buildCoefficients(sourceRate, targetRate int, quality session.ResampleQuality) *coefficients {
	var n int
	switch quality {
	case session.QualityLow:
		n = 2
	case session.QualityHigh:
		n = 64
	default:
		n = 16
	}
	taps := make([]float64, n)
	ratio := float64(targetRate) / float64(sourceRate)
	for i := range taps {
		taps[i] = ratio
	}
	return &coefficients{taps: taps}
}

func validateFormat(f session.AudioFormat) error {
	switch f.Encoding {
	case session.EncodingPCMSigned:
		switch f.BitDepth {
		case 8, 16, 24, 32:
		default:
			return huberrors.Wrap(huberrors.KindAudioFormat, "unsupported PCM bit depth", huberrors.ErrUnsupportedFormat)
		}
	case session.EncodingPCMFloat:
		if f.BitDepth != 32 {
			return huberrors.Wrap(huberrors.KindAudioFormat, "unsupported float bit depth", huberrors.ErrUnsupportedFormat)
		}
	default:
		return huberrors.Wrap(huberrors.KindAudioFormat, "unknown sample encoding", huberrors.ErrUnsupportedFormat)
	}
	if f.Channels < 1 {
		return huberrors.Wrap(huberrors.KindAudioFormat, "channel count must be positive", huberrors.ErrUnsupportedFormat)
	}
	if f.SampleRateHz <= 0 {
		return huberrors.Wrap(huberrors.KindAudioFormat, "sample rate must be positive", huberrors.ErrUnsupportedFormat)
	}
	return nil
}

// decodeToFloat32 expands raw bytes into one float32-per-sample-per-channel
// slice in [-1, 1], interleaved.
func decodeToFloat32(data []byte, f session.AudioFormat) ([]float32, error) {
	switch f.Encoding {
	case session.EncodingPCMFloat:
		return decodeFloat32LE(data), nil
	case session.EncodingPCMSigned:
		switch f.BitDepth {
		case 8:
			return decodePCM8(data), nil
		case 16:
			return decodePCM16LE(data), nil
		case 24:
			return decodePCM24LE(data), nil
		case 32:
			return decodePCM32LE(data), nil
		}
	}
	return nil, huberrors.Wrap(huberrors.KindAudioFormat, "unsupported decode combination", huberrors.ErrUnsupportedFormat)
}

func encodeFromFloat32(samples []float32, f session.AudioFormat) ([]byte, error) {
	switch f.Encoding {
	case session.EncodingPCMFloat:
		return encodeFloat32LE(samples), nil
	case session.EncodingPCMSigned:
		switch f.BitDepth {
		case 8:
			return encodePCM8(samples), nil
		case 16:
			return encodePCM16LE(samples), nil
		case 24:
			return encodePCM24LE(samples), nil
		case 32:
			return encodePCM32LE(samples), nil
		}
	}
	return nil, huberrors.Wrap(huberrors.KindAudioFormat, "unsupported encode combination", huberrors.ErrUnsupportedFormat)
}

// downmix arithmetic-means sourceChannels down to targetChannels. Only the
// stereo->mono case from spec §4.2 is required; other combinations average
// every source channel into each target channel uniformly.
func downmix(samples []float32, sourceChannels, targetChannels int) []float32 {
	if sourceChannels == targetChannels {
		return samples
	}
	frames := len(samples) / sourceChannels
	out := make([]float32, frames*targetChannels)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < sourceChannels; c++ {
			sum += samples[i*sourceChannels+c]
		}
		mean := sum / float32(sourceChannels)
		for c := 0; c < targetChannels; c++ {
			out[i*targetChannels+c] = mean
		}
	}
	return out
}

// resample maps each output sample back to source position lo and takes
// the unweighted mean of the source samples at indices lo-taps/2 through
// lo+taps/2-1 (those inside the slice), where taps is len(coeff.taps). The
// tap values themselves are not used, only their count. The output length
// is len(samples) scaled by targetRate/sourceRate.
func resample(samples []float32, sourceRate, targetRate int, coeff *coefficients) []float32 {
	if sourceRate == targetRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(targetRate) / float64(sourceRate)
	outLen := int(float64(len(samples)) * ratio)
	out := make([]float32, outLen)
	taps := len(coeff.taps)
	for i := range out {
		srcPos := float64(i) / ratio
		lo := int(srcPos)
		frac := srcPos - float64(lo)
		var acc float32
		var weight float64
		for t := 0; t < taps; t++ {
			idx := lo + t - taps/2
			if idx < 0 || idx >= len(samples) {
				continue
			}
			w := 1 - frac
			acc += samples[idx] * float32(w)
			weight += w
		}
		if weight > 0 {
			out[i] = acc / float32(weight)
		} else if lo < len(samples) {
			out[i] = samples[lo]
		}
	}
	return out
}
