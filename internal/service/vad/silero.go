//go:build silero

package vad

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/streamer45/silero-vad-go/speech"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/service/audio"
)

// sileroWindow is the model's input window at 16 kHz.
const sileroWindow = 512

func init() {
	newPrimary = newSilero
}

// Silero runs the Silero ONNX model through onnxruntime. Each classifier owns
// its own detector because detector state is per stream.
type Silero struct {
	cfg      Config
	fallback *Energy
}

func newSilero(cfg Config) (Strategy, error) {
	if cfg.SampleRate != 16000 && cfg.SampleRate != 8000 {
		return nil, errs.Wrap(fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate), errs.KindDependencyUnavailable)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errs.Wrap(fmt.Errorf("silero: model: %w", err), errs.KindDependencyUnavailable)
	}
	s := &Silero{cfg: cfg, fallback: NewEnergy(cfg)}

	// Load once to prove the runtime and model are usable.
	d, err := s.newDetector()
	if err != nil {
		return nil, errs.Wrap(err, errs.KindDependencyUnavailable)
	}
	_ = d.Destroy()
	return s, nil
}

func (s *Silero) newDetector() (*speech.Detector, error) {
	threshold := s.cfg.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            s.cfg.ModelPath,
		SampleRate:           s.cfg.SampleRate,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: 64,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return d, nil
}

func (s *Silero) Name() string { return "silero" }
func (s *Silero) Kind() string { return KindPrimary }
func (s *Silero) Close() error { return nil }

// NewClassifier returns a detector-backed classifier. If the detector cannot
// be created for this session, the session uses the energy classifier.
func (s *Silero) NewClassifier() Classifier {
	d, err := s.newDetector()
	if err != nil {
		log.Error().Err(err).Msg("Silero detector creation failed, session uses energy classifier")
		return s.fallback.NewClassifier()
	}
	return &sileroClassifier{det: d}
}

type sileroClassifier struct {
	det      *speech.Detector
	buf      []float32
	speaking bool
	warnOnce sync.Once
	closed   bool
}

func (c *sileroClassifier) Classify(f audio.AudioFrame) Label {
	c.buf = append(c.buf, f.Float32()...)

	// Detect consumes whole windows while one sample past the last window
	// remains, so feed k windows plus one and keep the tail.
	if len(c.buf) > sileroWindow {
		k := (len(c.buf) - 1) / sileroWindow
		segs, err := c.det.Detect(c.buf[:k*sileroWindow+1])
		if err != nil {
			c.warnOnce.Do(func() {
				log.Warn().Err(err).Msg("Silero inference failed, holding last label")
			})
		} else if len(segs) > 0 {
			c.speaking = segs[len(segs)-1].SpeechEndAt == 0
		}
		c.buf = append(c.buf[:0], c.buf[k*sileroWindow:]...)
	}

	if c.speaking {
		return Label{Speech: true, Confidence: 0.9}
	}
	return Label{Speech: false, Confidence: 0.9}
}

func (c *sileroClassifier) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.det.Destroy()
}
