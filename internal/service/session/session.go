// Package session runs one client's transcription pipeline. Frames are
// normalized, denoised, classified and segmented synchronously on the
// receive goroutine; recognition and post-processing run on the shared
// scheduler; a per-session emitter goroutine delivers results in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/logging"
	"realtime-transcribe-backend/internal/service/audio"
	"realtime-transcribe-backend/internal/service/denoise"
	"realtime-transcribe-backend/internal/service/emitter"
	"realtime-transcribe-backend/internal/service/postprocess"
	"realtime-transcribe-backend/internal/service/segment"
	"realtime-transcribe-backend/internal/service/vad"
)

// Close reasons sent in the closed message.
const (
	ReasonStopped      = "stopped"
	ReasonDisconnected = "client_disconnected"
	ReasonIdle         = "idle_timeout"
	ReasonProtocol     = "protocol_error"
	ReasonExhausted    = "resource_exhausted"
	ReasonShutdown     = "server_shutdown"
	ReasonInternal     = "internal_error"
)

var (
	// ErrStopped is returned by HandleText for a stop message.
	ErrStopped = errors.New("session: stopped by client")
	// ErrClosed is returned for input arriving after Close.
	ErrClosed = errors.New("session: closed")
)

// ReasonFor maps an error returned by HandleText or HandleAudio to the close
// reason the transport should use.
func ReasonFor(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrStopped):
		return ReasonStopped
	case errors.Is(err, ErrClosed):
		return ReasonDisconnected
	case errs.Is(err, errs.KindSessionProtocol):
		return ReasonProtocol
	case errs.Is(err, errs.KindResourceExhausted):
		return ReasonExhausted
	default:
		return ReasonInternal
	}
}

// Sink is the client connection. Close is called once, after the closed
// message.
type Sink interface {
	emitter.Sink
	Close() error
}

// Info is a point-in-time view of a session for the status probe.
type Info struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"clientId"`
	StartedAt      time.Time           `json:"startedAt"`
	Started        bool                `json:"started"`
	Config         models.StreamConfig `json:"config"`
	Audio          audio.Stats         `json:"audio"`
	Segments       uint64              `json:"segments"`
	SegmenterState string              `json:"segmenterState"`
}

// Session is one client stream. HandleText and HandleAudio must be called
// from a single receive goroutine; Close and Info are safe from any
// goroutine.
type Session struct {
	seq       uint64
	id        string
	clientID  string
	startedAt time.Time
	cfg       Config
	deps      Deps
	sink      Sink
	logger    zerolog.Logger
	stats     *audio.StatsRecorder
	history   *postprocess.History
	ids       *segment.Generator
	emitter   *emitter.Emitter
	onClose   func(*Session)

	// mu guards the synchronous pipeline.
	mu         sync.Mutex
	started    bool
	closed     bool
	norm       *audio.Normalizer
	filter     denoise.Filter
	classifier vad.Classifier
	segmenter  *segment.Segmenter
	idle       *time.Timer

	streamMu sync.RWMutex
	stream   models.StreamConfig

	results       chan models.TranscriptResult
	sendMu        sync.RWMutex
	resultsClosed bool
	overflowed    atomic.Bool
	emitDone      chan struct{}
	// jobs counts accepted scheduler jobs and pending overlays.
	jobs sync.WaitGroup

	done chan struct{}
}

func newSession(id, clientID string, sink Sink, deps Deps, cfg Config, onClose func(*Session)) *Session {
	s := &Session{
		id:        id,
		clientID:  clientID,
		startedAt: time.Now().UTC(),
		cfg:       cfg,
		deps:      deps,
		sink:      sink,
		logger:    logging.WithSession(id, clientID),
		stats:     audio.NewStatsRecorder(),
		history:   postprocess.NewHistory(cfg.HistorySize),
		ids:       segment.NewGenerator(),
		onClose:   onClose,
		results:   make(chan models.TranscriptResult, cfg.ResultBuffer),
		emitDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.emitter = emitter.New(sink, emitter.Config{
		SessionID: id,
		ClientID:  clientID,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
	})
	if cfg.IdleTimeout > 0 {
		s.idle = time.AfterFunc(cfg.IdleTimeout, func() {
			s.logger.Info().Dur("idleTimeout", cfg.IdleTimeout).Msg("Session idle, closing")
			s.Close(ReasonIdle, nil)
		})
	}
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ClientID() string { return s.clientID }

// Done is closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandleText decodes and applies one control message. It returns ErrStopped
// for stop; any other error ends the session.
func (s *Session) HandleText(data []byte) error {
	s.touch()
	m, err := s.deps.Validator.Decode(data)
	if err != nil {
		return err
	}
	return s.apply(m)
}

// HandleControl validates and applies a control message that arrived already
// decoded, as on the gRPC transport.
func (s *Session) HandleControl(m models.ControlMessage) error {
	s.touch()
	m, err := s.deps.Validator.Prepare(m)
	if err != nil {
		return err
	}
	return s.apply(m)
}

func (s *Session) apply(m models.ControlMessage) error {
	switch m.Type {
	case models.TypeStart:
		return s.start(m)
	case models.TypeConfig:
		return s.reconfigure(m)
	case models.TypeStop:
		return ErrStopped
	default:
		return errs.New(errs.KindSessionProtocol, fmt.Sprintf("unknown message type %q", m.Type))
	}
}

func (s *Session) start(m models.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return errs.New(errs.KindSessionProtocol, "duplicate start")
	}

	stream := models.StreamConfig{
		SampleRate:     m.SampleRate,
		Channels:       m.Channels,
		Encoding:       m.Encoding,
		Language:       m.Language,
		TargetLanguage: m.TargetLanguage,
		Keywords:       m.Keywords,
		Context:        m.Context,
	}
	if stream.Encoding == "" {
		stream.Encoding = models.EncodingPCM16LE
	}
	if m.Refine != nil {
		stream.Refine = *m.Refine
	}

	norm, err := audio.NewNormalizer(audio.NormalizerConfig{
		Input:         audio.Format{SampleRate: m.SampleRate, Channels: m.Channels},
		Encoding:      stream.Encoding,
		TargetRate:    s.cfg.PipelineSampleRate,
		FrameDuration: s.cfg.FrameDuration,
	})
	if err != nil {
		return err
	}
	seg, err := segment.NewSegmenter(s.id, s.ids, s.cfg.segmenterConfig())
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.norm = norm
	s.segmenter = seg
	s.filter = s.deps.Denoiser.NewFilter()
	s.classifier = s.deps.VAD.NewClassifier()

	s.streamMu.Lock()
	s.stream = stream
	s.streamMu.Unlock()

	if err := s.emitter.Send(models.ServerMessage{Type: models.TypeReady}); err != nil {
		return err
	}
	s.started = true
	go s.emit()

	s.logger.Info().
		Int("sampleRate", stream.SampleRate).
		Int("channels", stream.Channels).
		Str("encoding", stream.Encoding).
		Str("language", stream.Language).
		Str("targetLanguage", stream.TargetLanguage).
		Int("keywords", len(stream.Keywords)).
		Msg("Session started")
	return nil
}

func (s *Session) reconfigure(m models.ControlMessage) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return errs.New(errs.KindSessionProtocol, "config before start")
	}

	s.streamMu.Lock()
	if m.Language != "" {
		s.stream.Language = m.Language
	}
	if m.TargetLanguage != "" {
		s.stream.TargetLanguage = m.TargetLanguage
	}
	if m.Keywords != nil {
		s.stream.Keywords = m.Keywords
	}
	if m.Refine != nil {
		s.stream.Refine = *m.Refine
	}
	if m.Context != nil {
		s.stream.Context = m.Context
	}
	stream := s.stream
	s.streamMu.Unlock()

	s.logger.Info().
		Str("targetLanguage", stream.TargetLanguage).
		Int("keywords", len(stream.Keywords)).
		Bool("refine", stream.Refine).
		Bool("sceneContext", stream.Context != nil).
		Msg("Session reconfigured")
	return nil
}

// HandleAudio pushes one binary chunk through the pipeline.
func (s *Session) HandleAudio(chunk []byte) error {
	s.touch()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return errs.New(errs.KindSessionProtocol, "audio before start")
	}

	s.stats.RecordChunk(len(chunk))
	s.deps.Metrics.RecordAudioReceived(len(chunk))

	frames, err := s.norm.Push(chunk)
	if err != nil {
		return err
	}
	return s.process(frames)
}

// process must be called with s.mu held.
func (s *Session) process(frames []audio.AudioFrame) error {
	if len(frames) == 0 {
		return nil
	}
	s.stats.RecordFrames(len(frames))
	s.deps.Metrics.RecordFrames(len(frames))

	for _, f := range frames {
		f = s.filter.Process(f)
		label := s.classifier.Classify(f)
		for _, seg := range s.segmenter.Push(f, label) {
			if err := s.submit(seg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) touch() {
	if s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
}

func (s *Session) streamConfig() models.StreamConfig {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	return s.stream
}

// Close ends the session: the open segment is flushed, pending interims are
// cancelled, in-flight finals get up to FinalGrace to be delivered, and the
// sink is closed after a closed message. cause, when it is a protocol or
// resource error, is sent to the client first. Concurrent callers wait for
// the first to finish.
func (s *Session) Close(reason string, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
	}
	started := s.started
	if started {
		if err := s.process(s.norm.Flush()); err != nil {
			s.logger.Warn().Err(err).Msg("Flush failed")
		}
		if seg, ok := s.segmenter.Flush(); ok {
			if err := s.submit(seg); err != nil {
				s.logger.Warn().Err(err).Msg("Final segment not submitted")
			}
		}
	}
	s.mu.Unlock()

	s.deps.Scheduler.CancelSession(s.id)
	if started {
		s.waitJobs()
		s.closeResults()
		<-s.emitDone
		_ = s.classifier.Close()
	}

	if cause != nil && (errs.Is(cause, errs.KindSessionProtocol) || errs.Is(cause, errs.KindResourceExhausted)) {
		_ = s.emitter.Send(models.ErrorMessage(0, string(errs.KindOf(cause)), cause.Error()))
	}
	_ = s.emitter.Send(models.ServerMessage{Type: models.TypeClosed, Reason: reason})
	if err := s.sink.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Sink close failed")
	}

	duration := time.Since(s.startedAt)
	s.deps.Metrics.RecordSessionEnd(reason, duration.Seconds())
	s.logger.Info().
		Str("reason", reason).
		AnErr("cause", cause).
		Uint64("segments", s.ids.Last()).
		Uint64("delivered", s.emitter.Delivered()).
		Dur("duration", duration).
		Msg("Session closed")

	close(s.done)
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) waitJobs() {
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()

	grace := s.cfg.FinalGrace
	if grace <= 0 {
		grace = time.Second
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.logger.Warn().Dur("finalGrace", grace).Msg("Finals still running after grace period, discarding")
	}
}

// Info returns the session's config and stats.
func (s *Session) Info() Info {
	s.mu.Lock()
	started := s.started
	state := segment.Idle.String()
	if s.segmenter != nil {
		state = s.segmenter.State().String()
	}
	s.mu.Unlock()

	return Info{
		ID:             s.id,
		ClientID:       s.clientID,
		StartedAt:      s.startedAt,
		Started:        started,
		Config:         s.streamConfig(),
		Audio:          s.stats.Snapshot(),
		Segments:       s.ids.Last(),
		SegmenterState: state,
	}
}

func (s *Session) emit() {
	defer close(s.emitDone)
	if err := s.emitter.Run(context.Background(), s.results); err != nil {
		s.logger.Warn().Err(err).Msg("Emitter stopped delivering")
	}
}

// deliver hands a result to the emitter goroutine without blocking: callers
// are shared scheduler workers. Results produced after the channel closed are
// dropped. A full queue means the client stopped reading, so the session is
// closed with resource_exhausted.
func (s *Session) deliver(r models.TranscriptResult) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.resultsClosed {
		s.logger.Debug().
			Uint64("segmentId", r.SegmentID).
			Str("status", string(r.Status)).
			Msg("Result after close dropped")
		return
	}
	select {
	case s.results <- r:
	default:
		s.overflow(r)
	}
}

func (s *Session) overflow(r models.TranscriptResult) {
	first := s.overflowed.CompareAndSwap(false, true)
	s.logger.Warn().
		Uint64("segmentId", r.SegmentID).
		Str("status", string(r.Status)).
		Int("resultBuffer", cap(s.results)).
		Msg("Result queue full, dropping result")
	if first {
		go s.Close(ReasonExhausted, errs.New(errs.KindResourceExhausted, "client is not consuming results"))
	}
}

func (s *Session) closeResults() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.resultsClosed {
		s.resultsClosed = true
		close(s.results)
	}
}
