// Package vad classifies frames as speech or silence.
//
// A Strategy is selected once per process: the neural primary when its
// runtime can be loaded, otherwise the energy fallback. Each session gets its
// own Classifier from the bound strategy, so smoothing state never crosses
// sessions.
package vad

import "realtime-transcribe-backend/internal/service/audio"

// Strategy kinds reported by the status probe.
const (
	KindPrimary  = "primary"
	KindFallback = "fallback"
)

// Label is the classification of one frame.
type Label struct {
	Speech     bool
	Confidence float64 // in [0, 1]
}

// Classifier labels one session's frames in order. Not safe for concurrent use.
type Classifier interface {
	Classify(f audio.AudioFrame) Label
	Close() error
}

// Strategy is the process-wide VAD implementation. Safe for concurrent use.
type Strategy interface {
	// Name identifies the implementation, e.g. "silero" or "energy".
	Name() string
	// Kind is KindPrimary or KindFallback.
	Kind() string
	NewClassifier() Classifier
	Close() error
}

// Config configures both strategies. Unused fields are ignored by each.
type Config struct {
	SampleRate    int
	ModelPath     string
	Threshold     float64
	ForceFallback bool

	EnergyThresholdDB float64
	ZCRMax            float64
	HangoverFrames    int
}
