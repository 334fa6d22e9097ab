// Package mock provides a scripted recognizer for running without cloud
// credentials. It returns progressively longer prefixes of canned utterances
// as a segment's audio grows, so interims and the final of one segment read
// like a real engine's output.
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"realtime-transcribe-backend/internal/service/stt"
)

// DefaultUtterances are cycled through by segment.
var DefaultUtterances = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// WordDuration is the audio length that reveals one more word.
const WordDuration = 300 * time.Millisecond

// Adapter implements stt.Recognizer with canned responses.
type Adapter struct {
	utterances []string
	latency    time.Duration
	fail       func(call int64, a stt.Audio) error
	language   string

	calls atomic.Int64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithUtterances replaces the canned utterances.
func WithUtterances(u ...string) Option {
	return func(a *Adapter) { a.utterances = u }
}

// WithLatency makes every call take d, or less if the context ends first.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithFailure injects an error for the calls where fn returns one. call
// counts from 1.
func WithFailure(fn func(call int64, a stt.Audio) error) Option {
	return func(a *Adapter) { a.fail = fn }
}

// New creates a new mock recognizer.
func New(opts ...Option) *Adapter {
	a := &Adapter{utterances: DefaultUtterances, language: "en-US"}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "mock" }

// Calls returns how many times Recognize was invoked.
func (a *Adapter) Calls() int64 { return a.calls.Load() }

// Recognize implements stt.Recognizer.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio, languageHint string) (stt.Recognition, error) {
	call := a.calls.Add(1)

	if a.latency > 0 {
		t := time.NewTimer(a.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return stt.Recognition{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return stt.Recognition{}, err
	}

	if a.fail != nil {
		if err := a.fail(call, audio); err != nil {
			return stt.Recognition{}, err
		}
	}

	lang := languageHint
	if lang == "" {
		lang = a.language
	}
	return stt.Recognition{Text: a.textFor(audio), Language: lang}, nil
}

// textFor picks the utterance from the segment's leading samples, which are
// the same for every snapshot of one segment, and reveals one word per
// WordDuration of audio.
func (a *Adapter) textFor(audio stt.Audio) string {
	if len(a.utterances) == 0 {
		return ""
	}
	utt := a.utterances[int(leadHash(audio.Samples)%uint32(len(a.utterances)))]
	words := strings.Fields(utt)

	n := int((audio.Duration() + WordDuration - 1) / WordDuration)
	if n < 1 {
		n = 1
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}

func leadHash(samples []int16) uint32 {
	const lead = 160
	if len(samples) > lead {
		samples = samples[:lead]
	}
	h := fnv.New32a()
	var b [2]byte
	for _, s := range samples {
		b[0], b[1] = byte(s), byte(s>>8)
		h.Write(b[:])
	}
	return h.Sum32()
}
