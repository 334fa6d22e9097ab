// Package denoise provides the per-frame noise suppressor that runs ahead of
// voice activity detection.
package denoise

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/service/audio"
)

const (
	NameSpectral = "spectral"
	NameIdentity = "identity"
)

// Suppressor is the process-wide noise suppression strategy. It holds no
// per-stream state; NewFilter returns the per-session filter.
type Suppressor interface {
	Name() string
	NewFilter() Filter
}

// Filter denoises one session's frames. It preserves frame length and sample
// rate. Not safe for concurrent use.
type Filter interface {
	Process(f audio.AudioFrame) audio.AudioFrame
}

// Config configures spectral subtraction.
type Config struct {
	Enabled      bool
	FrameSamples int
	// FloorDB bounds attenuation per bin, e.g. -30 keeps at least 3% of the
	// original magnitude.
	FloorDB float64
	// NoiseAlpha is the smoothing factor of the noise estimate in [0, 1).
	NoiseAlpha float64
}

// Select returns the spectral suppressor, or Identity when it cannot be
// initialized. It never fails.
func Select(cfg Config) Suppressor {
	s, err := NewSpectral(cfg)
	if err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(errs.KindOf(err))).
			Msg("Noise suppressor unavailable, using identity")
		return Identity{}
	}
	return s
}

// Identity passes frames through unchanged.
type Identity struct{}

func (Identity) Name() string      { return NameIdentity }
func (Identity) NewFilter() Filter { return identityFilter{} }

type identityFilter struct{}

func (identityFilter) Process(f audio.AudioFrame) audio.AudioFrame { return f }

// Spectral suppresses stationary noise by subtracting a running noise
// magnitude estimate in the frequency domain. Windows span one frame and hop
// half a frame under a square-root Hann window on analysis and synthesis, so
// output lags input by half a frame.
type Spectral struct {
	cfg   Config
	floor float64
}

// NewSpectral validates cfg and returns the spectral suppressor.
func NewSpectral(cfg Config) (*Spectral, error) {
	if !cfg.Enabled {
		return nil, errs.New(errs.KindDependencyUnavailable, "spectral suppressor disabled")
	}
	if cfg.FrameSamples < 16 || cfg.FrameSamples%2 != 0 {
		return nil, errs.Wrap(fmt.Errorf("frame of %d samples unusable for spectral filter", cfg.FrameSamples), errs.KindDependencyUnavailable)
	}
	if cfg.NoiseAlpha < 0 || cfg.NoiseAlpha >= 1 {
		return nil, errs.Wrap(fmt.Errorf("noise alpha %v outside [0, 1)", cfg.NoiseAlpha), errs.KindDependencyUnavailable)
	}
	return &Spectral{cfg: cfg, floor: math.Pow(10, cfg.FloorDB/20)}, nil
}

func (s *Spectral) Name() string { return NameSpectral }

func (s *Spectral) NewFilter() Filter {
	n := s.cfg.FrameSamples
	return &spectralFilter{
		n:      n,
		fft:    fourier.NewFFT(n),
		win:    sqrtHann(n),
		alpha:  s.cfg.NoiseAlpha,
		floor:  s.floor,
		hist:   make([]float64, n+n/2),
		tail:   make([]float64, n/2),
		seq:    make([]float64, n),
		coeffs: make([]complex128, n/2+1),
		noise:  make([]float64, n/2+1),
		out:    make([]float64, n),
	}
}

// sqrtHann returns the square root of a periodic Hann window of length n.
// Squared windows at a hop of n/2 sum to one.
func sqrtHann(n int) []float64 {
	w := make([]float64, n+1)
	for i := range w {
		w[i] = 1
	}
	w = window.Hann(w)[:n]
	for i, v := range w {
		w[i] = math.Sqrt(v)
	}
	return w
}

// warmupWindows are treated as noise unconditionally to seed the estimate.
const warmupWindows = 10

type spectralFilter struct {
	n      int
	fft    *fourier.FFT
	win    []float64
	alpha  float64
	floor  float64
	hist   []float64 // last half of the previous frame, then the current one
	tail   []float64 // synthesis overlap carried into the next frame
	seq    []float64
	coeffs []complex128
	noise  []float64
	out    []float64

	windows     int
	noiseEnergy float64
}

func (f *spectralFilter) Process(frame audio.AudioFrame) audio.AudioFrame {
	if len(frame.Samples) != f.n {
		return frame
	}
	half := f.n / 2
	copy(f.hist, f.hist[f.n:])
	for i, s := range frame.Samples {
		f.hist[half+i] = float64(s)
	}

	samples := make([]int16, f.n)
	a := f.suppress(f.hist[:f.n])
	for i := range half {
		samples[i] = clamp16(f.tail[i] + a[i])
	}
	tail := append(f.tail[:0], a[half:]...)
	b := f.suppress(f.hist[half:])
	for i := range half {
		samples[half+i] = clamp16(tail[i] + b[i])
	}
	f.tail = append(f.tail[:0], b[half:]...)
	return frame.WithSamples(samples)
}

// suppress filters one window of n samples and returns it windowed for
// overlap-add. The result aliases f.out.
func (f *spectralFilter) suppress(x []float64) []float64 {
	for i, v := range x {
		f.seq[i] = v * f.win[i]
	}
	f.coeffs = f.fft.Coefficients(f.coeffs, f.seq)

	var energy float64
	for _, c := range f.coeffs {
		m := cmplx.Abs(c)
		energy += m * m
	}

	// Track the noise floor on warmup windows and windows close to it.
	if f.windows < warmupWindows || energy < 2*f.noiseEnergy {
		a := f.alpha
		if f.windows < warmupWindows {
			a = float64(f.windows) / float64(f.windows+1)
		}
		f.noiseEnergy = 0
		for i, c := range f.coeffs {
			m := cmplx.Abs(c)
			f.noise[i] = a*f.noise[i] + (1-a)*m
			f.noiseEnergy += f.noise[i] * f.noise[i]
		}
	}
	f.windows++

	for i, c := range f.coeffs {
		m := cmplx.Abs(c)
		if m == 0 {
			continue
		}
		gain := 1 - f.noise[i]/m
		if gain < f.floor {
			gain = f.floor
		}
		f.coeffs[i] = c * complex(gain, 0)
	}

	f.out = f.fft.Sequence(f.out, f.coeffs)
	scale := 1 / float64(f.n)
	for i, v := range f.out {
		f.out[i] = v * scale * f.win[i]
	}
	return f.out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
