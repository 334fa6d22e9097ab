package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while a backend's breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrAllFailed is returned when every backend of a Group failed or was open.
var ErrAllFailed = errors.New("all recognizers failed")

// BreakerState is the operating mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero values get defaults.
type BreakerConfig struct {
	Name         string
	MaxFailures  int           // consecutive failures before opening, default 5
	ResetTimeout time.Duration // open period before probing, default 30s
	HalfOpenMax  int           // probes allowed while half-open, default 1
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open. Context cancellation by the
// caller is not counted as a backend failure. A panic in fn is returned as an
// error and counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probes, b.probeWins = 0, 0
		log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open")
	case BreakerHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := b.state == BreakerHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := b.call(fn)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.onSuccess(probing)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		if probing {
			b.probes--
		}
	default:
		b.onFailure(probing)
	}
	return err
}

func (b *Breaker) call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: recognizer panic: %v", b.name, p)
		}
	}()
	return fn()
}

func (b *Breaker) onSuccess(probing bool) {
	if !probing {
		b.failures = 0
		return
	}
	b.probeWins++
	if b.probeWins >= b.halfOpenMax {
		b.state = BreakerClosed
		b.failures = 0
		log.Info().Str("breaker", b.name).Msg("Circuit breaker closed")
	}
}

func (b *Breaker) onFailure(probing bool) {
	if probing {
		b.state = BreakerOpen
		b.openedAt = b.now()
		log.Warn().Str("breaker", b.name).Msg("Circuit breaker re-opened")
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
		log.Warn().
			Str("breaker", b.name).
			Int("failures", b.failures).
			Msg("Circuit breaker opened")
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

type groupEntry struct {
	rec     Recognizer
	breaker *Breaker
}

// Group is a Recognizer that tries its members in order, skipping members
// whose breaker is open.
type Group struct {
	entries []groupEntry
}

// NewGroup builds a group with one breaker per recognizer. The first
// recognizer is the primary.
func NewGroup(cfg BreakerConfig, recs ...Recognizer) *Group {
	g := &Group{}
	for _, r := range recs {
		c := cfg
		c.Name = r.Name()
		g.entries = append(g.entries, groupEntry{rec: r, breaker: NewBreaker(c)})
	}
	return g
}

// Name joins member names, e.g. "google>mock".
func (g *Group) Name() string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.rec.Name()
	}
	return strings.Join(names, ">")
}

// Recognize implements Recognizer.
func (g *Group) Recognize(ctx context.Context, a Audio, languageHint string) (Recognition, error) {
	var lastErr error
	for _, e := range g.entries {
		var res Recognition
		err := e.breaker.Execute(ctx, func() error {
			var inner error
			res, inner = e.rec.Recognize(ctx, a, languageHint)
			return inner
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Recognition{}, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug().Str("recognizer", e.rec.Name()).Msg("Skipping recognizer, circuit open")
			continue
		}
		log.Warn().Err(err).Str("recognizer", e.rec.Name()).Msg("Recognizer failed, trying next")
	}
	if lastErr == nil {
		lastErr = errors.New("no recognizers configured")
	}
	return Recognition{}, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Close closes every member that holds resources.
func (g *Group) Close() error {
	var errList []error
	for _, e := range g.entries {
		if c, ok := e.rec.(Closer); ok {
			if err := c.Close(); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}
