// Package stt defines the batch speech-to-text contract used by the inference
// scheduler, plus the circuit breaker and fallback group that front the
// configured backends.
package stt

import (
	"context"
	"encoding/binary"
	"time"

	"realtime-transcribe-backend/internal/service/audio"
)

// Audio is one segment's mono PCM16 samples.
type Audio struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the audio.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// PCM returns the samples as little-endian bytes.
func (a Audio) PCM() []byte {
	return audio.Int16sToBytes(a.Samples)
}

// Float32 returns the samples scaled to [-1, 1).
func (a Audio) Float32() []float32 {
	out := make([]float32, len(a.Samples))
	for i, s := range a.Samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// WAV wraps the samples in a RIFF/WAV container for upload.
func (a Audio) WAV() []byte {
	pcm := a.PCM()
	const bitsPerSample = 16
	byteRate := a.SampleRate * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(a.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], bitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// Recognition is the text recognized for one Audio.
type Recognition struct {
	Text     string
	Language string
}

// Recognizer transcribes a complete audio segment. Implementations hold no
// per-session state and are safe for concurrent use.
type Recognizer interface {
	// Name identifies the backend, e.g. "google" or "mock".
	Name() string
	Recognize(ctx context.Context, a Audio, languageHint string) (Recognition, error)
}

// Closer is implemented by recognizers that hold resources.
type Closer interface {
	Close() error
}
