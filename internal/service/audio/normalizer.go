package audio

import (
	"fmt"
	"slices"
	"time"

	"layeh.com/gopus"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/models"
)

var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Decoder turns one client chunk into interleaved PCM samples.
type Decoder interface {
	Decode(chunk []byte) ([]int16, error)
}

type pcm16Decoder struct{}

func (pcm16Decoder) Decode(chunk []byte) ([]int16, error) {
	if len(chunk)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d in pcm16 chunk", len(chunk))
	}
	return BytesToInt16s(chunk), nil
}

// opusDecoder keeps decoder state across packets of one stream.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func newOpusDecoder(rate, channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	// 120 ms is the longest opus packet.
	return &opusDecoder{dec: dec, frameSize: rate * 120 / 1000}, nil
}

func (d *opusDecoder) Decode(chunk []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(chunk, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm, nil
}

// NormalizerConfig configures one session's normalizer.
type NormalizerConfig struct {
	Input         Format
	Encoding      string
	TargetRate    int
	FrameDuration time.Duration
	// Start anchors frame timestamps. Zero means time.Now().
	Start time.Time
}

// Normalizer decodes, downmixes and resamples client audio and cuts it into
// fixed-duration frames with strictly increasing sequence numbers. One per
// session; not safe for concurrent use.
type Normalizer struct {
	input        Format
	targetRate   int
	frameDur     time.Duration
	frameSamples int
	dec          Decoder
	resampler    *Resampler
	// group holds the samples of a channel group split across chunks.
	group   []int16
	pending []int16
	seq     uint64
	start   time.Time
}

// NewNormalizer validates cfg and builds a normalizer. Invalid stream
// parameters are reported as session protocol errors.
func NewNormalizer(cfg NormalizerConfig) (*Normalizer, error) {
	if cfg.Input.SampleRate < 8000 || cfg.Input.SampleRate > 192000 {
		return nil, errs.Wrap(fmt.Errorf("unsupported sample rate %d", cfg.Input.SampleRate), errs.KindSessionProtocol)
	}
	if cfg.Input.Channels < 1 || cfg.Input.Channels > 8 {
		return nil, errs.Wrap(fmt.Errorf("unsupported channel count %d", cfg.Input.Channels), errs.KindSessionProtocol)
	}
	if cfg.TargetRate <= 0 || cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("invalid pipeline format %d Hz / %v", cfg.TargetRate, cfg.FrameDuration)
	}

	var dec Decoder
	switch cfg.Encoding {
	case "", models.EncodingPCM16LE:
		dec = pcm16Decoder{}
	case models.EncodingOpus:
		if !slices.Contains(opusRates, cfg.Input.SampleRate) || cfg.Input.Channels > 2 {
			return nil, errs.Wrap(fmt.Errorf("opus does not support %d Hz with %d channels", cfg.Input.SampleRate, cfg.Input.Channels), errs.KindSessionProtocol)
		}
		od, err := newOpusDecoder(cfg.Input.SampleRate, cfg.Input.Channels)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindDependencyUnavailable)
		}
		dec = od
	default:
		return nil, errs.Wrap(fmt.Errorf("unsupported encoding %q", cfg.Encoding), errs.KindSessionProtocol)
	}

	start := cfg.Start
	if start.IsZero() {
		start = time.Now()
	}

	return &Normalizer{
		input:        cfg.Input,
		targetRate:   cfg.TargetRate,
		frameDur:     cfg.FrameDuration,
		frameSamples: int(int64(cfg.TargetRate) * int64(cfg.FrameDuration) / int64(time.Second)),
		dec:          dec,
		resampler:    NewResampler(cfg.Input.SampleRate, cfg.TargetRate),
		start:        start,
	}, nil
}

// FrameSamples returns the number of samples per output frame.
func (n *Normalizer) FrameSamples() int {
	return n.frameSamples
}

// Push normalizes one client chunk and returns every complete frame it
// produced. Leftover samples are carried into the next call.
func (n *Normalizer) Push(chunk []byte) ([]AudioFrame, error) {
	pcm, err := n.dec.Decode(chunk)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindSessionProtocol)
	}
	mono := Downmix(n.whole(pcm), n.input.Channels)
	n.pending = append(n.pending, n.resampler.Process(mono)...)
	return n.cut(false), nil
}

// whole prepends the previous chunk's incomplete channel group to pcm and
// holds back the trailing incomplete group, so Downmix always sees aligned
// input.
func (n *Normalizer) whole(pcm []int16) []int16 {
	ch := n.input.Channels
	if ch <= 1 {
		return pcm
	}
	if len(n.group) > 0 {
		pcm = append(n.group, pcm...)
		n.group = nil
	}
	if rem := len(pcm) % ch; rem > 0 {
		n.group = slices.Clone(pcm[len(pcm)-rem:])
		pcm = pcm[:len(pcm)-rem]
	}
	return pcm
}

// Flush zero-pads and returns any partial frame left at stream end. An
// incomplete channel group is discarded.
func (n *Normalizer) Flush() []AudioFrame {
	n.group = nil
	return n.cut(true)
}

func (n *Normalizer) cut(pad bool) []AudioFrame {
	var frames []AudioFrame
	for len(n.pending) >= n.frameSamples {
		frames = append(frames, n.emit(n.pending[:n.frameSamples:n.frameSamples]))
		n.pending = n.pending[n.frameSamples:]
	}
	if pad && len(n.pending) > 0 {
		samples := make([]int16, n.frameSamples)
		copy(samples, n.pending)
		frames = append(frames, n.emit(samples))
		n.pending = nil
	}
	if len(n.pending) == 0 {
		n.pending = nil
	} else {
		n.pending = slices.Clone(n.pending)
	}
	return frames
}

func (n *Normalizer) emit(samples []int16) AudioFrame {
	f := AudioFrame{
		Seq:        n.seq,
		Samples:    samples,
		SampleRate: n.targetRate,
		Channels:   1,
		Timestamp:  n.start.Add(time.Duration(n.seq) * n.frameDur),
		Duration:   n.frameDur,
	}
	n.seq++
	return f
}
