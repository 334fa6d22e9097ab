package vad

import (
	"math"

	"realtime-transcribe-backend/internal/service/audio"
)

// loudMarginDB above the threshold counts as speech regardless of the
// zero-crossing rate.
const loudMarginDB = 15

// Energy is the low-dependency fallback strategy. It labels frames by RMS
// level against an adaptive noise floor and rejects hiss-like frames by
// zero-crossing rate.
type Energy struct {
	cfg Config
}

// NewEnergy returns the energy strategy.
func NewEnergy(cfg Config) *Energy {
	if cfg.EnergyThresholdDB == 0 {
		cfg.EnergyThresholdDB = -45
	}
	if cfg.ZCRMax == 0 {
		cfg.ZCRMax = 0.35
	}
	return &Energy{cfg: cfg}
}

func (e *Energy) Name() string { return "energy" }
func (e *Energy) Kind() string { return KindFallback }
func (e *Energy) Close() error { return nil }

func (e *Energy) NewClassifier() Classifier {
	return &energyClassifier{
		threshold:  e.cfg.EnergyThresholdDB,
		zcrMax:     e.cfg.ZCRMax,
		hangover:   e.cfg.HangoverFrames,
		noiseFloor: e.cfg.EnergyThresholdDB - 10,
	}
}

type energyClassifier struct {
	threshold  float64
	zcrMax     float64
	hangover   int
	noiseFloor float64
	// remaining frames to keep labelling speech after the last speech frame
	hold int
}

func (c *energyClassifier) Classify(f audio.AudioFrame) Label {
	db := audio.DBFS(audio.RMS(f.Samples))
	zcr := audio.ZeroCrossingRate(f.Samples)

	threshold := math.Max(c.threshold, c.noiseFloor+10)
	speech := db >= threshold && (zcr <= c.zcrMax || db >= threshold+loudMarginDB)

	if !speech {
		// Track the floor slowly so a steady background raises the bar.
		c.noiseFloor = 0.95*c.noiseFloor + 0.05*db
	}

	conf := confidence(db, threshold)
	if speech {
		c.hold = c.hangover
		return Label{Speech: true, Confidence: conf}
	}
	if c.hold > 0 {
		c.hold--
		return Label{Speech: true, Confidence: conf}
	}
	return Label{Speech: false, Confidence: 1 - conf}
}

func (c *energyClassifier) Close() error { return nil }

// confidence maps the level relative to threshold onto [0, 1], 0.5 at the
// threshold and saturating 20 dB either side.
func confidence(db, threshold float64) float64 {
	v := 0.5 + (db-threshold)/40
	return math.Max(0, math.Min(1, v))
}
