package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"realtime-transcribe-backend/internal/config"
	"realtime-transcribe-backend/internal/events"
	"realtime-transcribe-backend/internal/observability/metrics"
	"realtime-transcribe-backend/internal/schema"
	"realtime-transcribe-backend/internal/service/denoise"
	"realtime-transcribe-backend/internal/service/postprocess"
	"realtime-transcribe-backend/internal/service/scheduler"
	"realtime-transcribe-backend/internal/service/segment"
	"realtime-transcribe-backend/internal/service/stt"
	"realtime-transcribe-backend/internal/service/vad"
)

// ErrShuttingDown is returned by Open once Shutdown has begun.
var ErrShuttingDown = errors.New("session: manager shutting down")

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	VAD         vad.Strategy
	Denoiser    denoise.Suppressor
	Recognizer  stt.Recognizer
	Scheduler   *scheduler.Scheduler
	PostProcess *postprocess.Processor
	// Publisher mirrors delivered transcripts. Optional.
	Publisher events.TranscriptPublisher
	Validator *schema.Validator
	Metrics   *metrics.Metrics
}

// Config holds the per-session settings.
type Config struct {
	PipelineSampleRate    int
	FrameDuration         time.Duration
	EndOfUtteranceSilence time.Duration
	MaxSegmentDuration    time.Duration
	InterimEveryFrames    int
	TrailingSilenceKeep   time.Duration
	FinalGrace            time.Duration
	IdleTimeout           time.Duration
	ResultBuffer          int
	HistorySize           int
	DefaultLanguage       string
}

// ConfigFrom extracts the session settings from the service configuration.
func ConfigFrom(c *config.Configuration) Config {
	return Config{
		PipelineSampleRate:    c.Audio.PipelineSampleRate,
		FrameDuration:         c.Audio.FrameDuration,
		EndOfUtteranceSilence: c.Segmenter.EndOfUtteranceSilence,
		MaxSegmentDuration:    c.Segmenter.MaxSegmentDuration,
		InterimEveryFrames:    c.Segmenter.InterimEveryFrames,
		TrailingSilenceKeep:   c.Segmenter.TrailingSilenceKeep,
		FinalGrace:            c.Scheduler.FinalGrace,
		IdleTimeout:           c.Session.IdleTimeout,
		ResultBuffer:          c.Session.ResultBuffer,
		HistorySize:           c.PostProcess.HistorySize,
		DefaultLanguage:       c.STT.LanguageCode,
	}
}

func (c Config) segmenterConfig() segment.Config {
	return segment.Config{
		FrameDuration:         c.FrameDuration,
		EndOfUtteranceSilence: c.EndOfUtteranceSilence,
		MaxSegmentDuration:    c.MaxSegmentDuration,
		InterimEveryFrames:    c.InterimEveryFrames,
	}
}

// Manager owns the active sessions.
type Manager struct {
	deps Deps
	cfg  Config

	mu       sync.RWMutex
	sessions map[string]*Session
	opened   uint64
	closing  bool
}

// NewManager checks deps and fills optional ones with defaults.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.VAD == nil || deps.Recognizer == nil || deps.Scheduler == nil {
		return nil, errors.New("session: VAD, Recognizer and Scheduler are required")
	}
	if cfg.PipelineSampleRate <= 0 || cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("session: invalid pipeline format %d Hz / %v", cfg.PipelineSampleRate, cfg.FrameDuration)
	}
	if deps.Denoiser == nil {
		deps.Denoiser = denoise.Identity{}
	}
	if deps.Validator == nil {
		deps.Validator = schema.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 64
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// Open registers a new session for clientID. An empty or "new" client id is
// replaced with a generated one.
func (m *Manager) Open(clientID string, sink Sink) (*Session, error) {
	if clientID == "" || clientID == "new" {
		clientID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}

	m.opened++
	s := newSession(uuid.NewString(), clientID, sink, m.deps, m.cfg, m.remove)
	s.seq = m.opened
	m.sessions[s.id] = s
	m.deps.Metrics.RecordSessionStart()

	log.Info().
		Str("sessionId", s.id).
		Str("clientId", clientID).
		Int("activeSessions", len(m.sessions)).
		Msg("Session opened")
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// Get finds a session by session id, or by client id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, true
	}
	for _, s := range m.sessions {
		if s.clientID == id {
			return s, true
		}
	}
	return nil, false
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns every open session, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Shutdown refuses new sessions and closes the open ones concurrently, each
// with its own final grace period. It returns early if ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	log.Info().Int("sessions", len(open)).Msg("Closing sessions")

	var g errgroup.Group
	for _, s := range open {
		g.Go(func() error {
			s.Close(ReasonShutdown, nil)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
