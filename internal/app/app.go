// Package app builds the process-wide components from the configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcribe-backend/internal/config"
	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/events"
	"realtime-transcribe-backend/internal/observability/logging"
	"realtime-transcribe-backend/internal/observability/metrics"
	"realtime-transcribe-backend/internal/observability/tracing"
	"realtime-transcribe-backend/internal/schema"
	"realtime-transcribe-backend/internal/service/denoise"
	"realtime-transcribe-backend/internal/service/postprocess"
	"realtime-transcribe-backend/internal/service/postprocess/gemini"
	ppopenai "realtime-transcribe-backend/internal/service/postprocess/openai"
	"realtime-transcribe-backend/internal/service/scheduler"
	"realtime-transcribe-backend/internal/service/session"
	"realtime-transcribe-backend/internal/service/stt"
	"realtime-transcribe-backend/internal/service/stt/google"
	"realtime-transcribe-backend/internal/service/stt/mock"
	sttopenai "realtime-transcribe-backend/internal/service/stt/openai"
	"realtime-transcribe-backend/internal/service/stt/whisper"
	"realtime-transcribe-backend/internal/service/vad"
)

const serviceName = "realtime-transcribe-backend"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
	Metrics     *metrics.Metrics

	VAD         vad.Strategy
	Denoiser    denoise.Suppressor
	Recognizer  stt.Recognizer
	Scheduler   *scheduler.Scheduler
	PostProcess *postprocess.Processor
	Publisher   *events.Publisher
	Validator   *schema.Validator
	Sessions    *session.Manager

	shutdownTracing func(context.Context) error
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Realtime transcription application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		TimeFormat: time.RFC3339,
		Service:    serviceName,
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start builds the pipeline components. Optional dependencies that cannot be
// initialized are replaced by their fallbacks; only an unusable configuration
// is an error.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	if err := a.Cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := a.Cfg

	a.shutdownTracing = tracing.Init(tracing.Config{
		ServiceName: serviceName,
		Enabled:     cfg.Observability.TracingEnabled,
		SampleRatio: cfg.Observability.TraceSampleRatio,
	})

	frameSamples := int(int64(cfg.Audio.PipelineSampleRate) * int64(cfg.Audio.FrameDuration) / int64(time.Second))
	a.VAD = vad.Select(vad.Config{
		SampleRate:        cfg.Audio.PipelineSampleRate,
		ModelPath:         cfg.VAD.ModelPath,
		Threshold:         cfg.VAD.Threshold,
		ForceFallback:     cfg.VAD.ForceFallback,
		EnergyThresholdDB: cfg.VAD.EnergyThresholdDB,
		ZCRMax:            cfg.VAD.ZCRMax,
		HangoverFrames:    cfg.VAD.HangoverFrames,
	})
	a.Denoiser = denoise.Select(denoise.Config{
		Enabled:      cfg.Denoise.Enabled,
		FrameSamples: frameSamples,
		FloorDB:      cfg.Denoise.FloorDB,
		NoiseAlpha:   cfg.Denoise.NoiseAlpha,
	})
	a.Metrics.RecordStrategies(a.VAD.Kind(), a.Denoiser.Name())

	a.Recognizer = NewRecognizer(ctx, cfg.STT)
	a.PostProcess = postprocess.New(NewLLM(ctx, cfg.PostProcess), postprocess.Config{
		Wait:          cfg.PostProcess.Wait,
		Timeout:       cfg.PostProcess.Timeout,
		MaxConcurrent: cfg.PostProcess.MaxConcurrent,
		Metrics:       a.Metrics,
	})
	a.Scheduler = scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		PerCallTimeout: cfg.Scheduler.PerCallTimeout,
		QueueCapacity:  cfg.Scheduler.QueueCapacity,
		HardCeiling:    cfg.Scheduler.HardCeiling,
		FinalGrace:     cfg.Scheduler.FinalGrace,
		DegradedWait:   cfg.Scheduler.DegradedWait,
		Metrics:        a.Metrics,
	})
	a.Publisher = events.New(&events.Config{
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
		Enabled:      cfg.Kafka.Enabled,
		Metrics:      a.Metrics,
	})
	a.Validator = schema.New()

	sessions, err := session.NewManager(session.Deps{
		VAD:         a.VAD,
		Denoiser:    a.Denoiser,
		Recognizer:  a.Recognizer,
		Scheduler:   a.Scheduler,
		PostProcess: a.PostProcess,
		Publisher:   a.Publisher,
		Validator:   a.Validator,
		Metrics:     a.Metrics,
	}, session.ConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	a.Sessions = sessions

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("vad", a.VAD.Name()).
		Str("vadStrategy", a.VAD.Kind()).
		Str("denoiser", a.Denoiser.Name()).
		Str("recognizer", a.Recognizer.Name()).
		Str("postprocess", a.PostProcess.Name()).
		Msg("Realtime transcription service starting")
	return nil
}

// Status is the payload of the status probe.
type Status struct {
	Healthy        bool            `json:"healthy"`
	VADStrategy    string          `json:"vadStrategy"`
	VAD            string          `json:"vad"`
	Denoiser       string          `json:"denoiser"`
	Recognizer     string          `json:"recognizer"`
	PostProcess    string          `json:"postProcess"`
	ActiveSessions int             `json:"activeSessions"`
	Scheduler      scheduler.Stats `json:"scheduler"`
	Sessions       []session.Info  `json:"sessions"`
	Uptime         string          `json:"uptime"`
}

// Status reports the bound strategies, scheduler health and open sessions.
func (a *Application) Status() Status {
	st := Status{
		Healthy:     a.Sessions != nil,
		VADStrategy: a.VAD.Kind(),
		VAD:         a.VAD.Name(),
		Denoiser:    a.Denoiser.Name(),
		Recognizer:  a.Recognizer.Name(),
		PostProcess: a.PostProcess.Name(),
		Uptime:      time.Since(a.StartupTime).Round(time.Second).String(),
		Sessions:    []session.Info{},
	}
	if a.Scheduler != nil {
		st.Scheduler = a.Scheduler.Stats()
		st.Healthy = st.Healthy && !st.Scheduler.Degraded
	}
	if a.Sessions != nil {
		st.Sessions = a.Sessions.Sessions()
		st.ActiveSessions = len(st.Sessions)
	}
	return st
}

// Shutdown closes sessions first so their finals drain through the
// scheduler, then releases the shared components.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Realtime transcription service shutting down")

	if a.Sessions != nil {
		if err := a.Sessions.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Sessions did not close in time")
		}
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Close(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Scheduler did not drain in time")
		}
	}
	if c, ok := a.Recognizer.(stt.Closer); ok {
		if err := c.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Recognizer close failed")
		}
	}
	if a.VAD != nil {
		_ = a.VAD.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Publisher close failed")
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}
}

// NewRecognizer builds the configured provider and its fallbacks behind
// circuit breakers. Providers that fail to initialize are skipped; with none
// left the mock recognizer is used.
func NewRecognizer(ctx context.Context, c config.STTConfig) stt.Recognizer {
	var recs []stt.Recognizer
	for _, name := range append([]string{c.Provider}, c.Fallbacks...) {
		r, err := newProvider(ctx, name, c)
		if err != nil {
			logger := logging.WithComponent("stt")
			logger.Warn().
				Err(err).
				Str("provider", name).
				Str("kind", string(errs.KindDependencyUnavailable)).
				Msg("Recognizer unavailable, skipping")
			continue
		}
		recs = append(recs, r)
	}
	if len(recs) == 0 {
		logger := logging.WithComponent("stt")
		logger.Warn().Msg("No recognizer available, using mock")
		recs = append(recs, mock.New())
	}
	return stt.NewGroup(stt.BreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
	}, recs...)
}

func newProvider(ctx context.Context, name string, c config.STTConfig) (stt.Recognizer, error) {
	switch name {
	case "mock":
		return mock.New(), nil
	case "google":
		gc := google.DefaultConfig()
		if c.LanguageCode != "" {
			gc.LanguageCode = c.LanguageCode
		}
		gc.Model = c.Model
		if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			return nil, errors.New("GOOGLE_APPLICATION_CREDENTIALS is not set")
		}
		return google.New(ctx, gc)
	case "openai":
		return sttopenai.New(c.APIKey, c.Model, c.BaseURL)
	case "whisper":
		return whisper.New(c.BaseURL, c.Model)
	case "whisper-native":
		return whisper.NewNative(c.ModelPath, c.NativePool)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// NewLLM builds the post-processing backend, or the noop backend when the
// provider cannot be initialized.
func NewLLM(ctx context.Context, c config.PostProcessConfig) postprocess.LLM {
	var (
		llm postprocess.LLM
		err error
	)
	switch c.Provider {
	case "openai":
		llm, err = ppopenai.New(c.APIKey, c.Model, "")
	case "gemini":
		llm, err = gemini.New(ctx, c.APIKey, c.Model)
	default:
		return postprocess.Noop{}
	}
	if err != nil {
		logger := logging.WithComponent("postprocess")
		logger.Warn().
			Err(err).
			Str("provider", c.Provider).
			Str("kind", string(errs.KindDependencyUnavailable)).
			Msg("Post-processing backend unavailable, overlays disabled")
		return postprocess.Noop{}
	}
	return llm
}
