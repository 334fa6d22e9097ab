// Package audio turns raw client audio into the fixed-duration frames the
// pipeline runs on.
package audio

import (
	"math"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// AudioFrame is a fixed-duration slice of mono PCM. Frames are immutable once
// produced; stages that change samples return a new frame.
type AudioFrame struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	Channels   int
	Timestamp  time.Time
	Duration   time.Duration
}

// WithSamples returns a copy of f carrying samples instead of f.Samples.
func (f AudioFrame) WithSamples(samples []int16) AudioFrame {
	f.Samples = samples
	return f
}

// Float32 returns the samples scaled to [-1, 1].
func (f AudioFrame) Float32() []float32 {
	out := make([]float32, len(f.Samples))
	for i, s := range f.Samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// RMS returns the root mean square of the samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts an RMS level to decibels relative to full scale. Silence maps
// to -120.
func DBFS(rms float64) float64 {
	if rms <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(rms)
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs that change
// sign.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// Concat joins the samples of frames in order.
func Concat(frames []AudioFrame) []int16 {
	n := 0
	for _, f := range frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
