package audio

import (
	"bytes"
	"encoding/binary"

	"github.com/JonesHong/ASRHub-sub002/pkg/session"
)

// EncodeWAV wraps pcm (little-endian signed PCM in format) in a minimal
// 44-byte canonical WAV container, used by pkg/providers/asr to hand a
// session's accumulated audio to HTTP-based engines that expect a file
// rather than a raw byte stream. Grounded on the teacher's NewWavBuffer,
// generalized to read channel count and bit depth from the session's own
// AudioFormat instead of assuming mono 16-bit, since a hub session's
// declared format (spec §3) isn't always the teacher's single hard-coded
// capture format.
func EncodeWAV(pcm []byte, format session.AudioFormat) []byte {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := format.BitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	blockAlign := channels * bitDepth / 8
	byteRate := format.SampleRateHz * blockAlign

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRateHz))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
