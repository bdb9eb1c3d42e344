package audio

import "encoding/binary"

// WAVHeaderSize is the size in bytes of the canonical RIFF/WAVE PCM header
// prepended to outbound audio chunks.
const WAVHeaderSize = 44

// WAVHeader returns the 44-byte RIFF/WAVE header for a mono 16-bit PCM body
// of dataLen bytes at the given sample rate. Browser audio elements refuse
// headerless PCM, so every outbound chunk carries a fresh header sized to
// that chunk alone.
func WAVHeader(dataLen, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// WrapWAV prepends a WAV header to pcm and returns the combined chunk.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, WAVHeader(len(pcm), sampleRate)...)
	return append(out, pcm...)
}

// PlaybackDuration returns the wall-clock playback time in milliseconds of a
// mono 16-bit PCM body at the given sample rate. Used to estimate when the
// client finishes draining its buffer after the upstream TTS reports done.
func PlaybackDuration(dataLen, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(dataLen) * 1000 / int64(sampleRate*2)
}
