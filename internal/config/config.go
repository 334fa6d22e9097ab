// Package config loads the service configuration from the environment, with an
// optional YAML file underneath.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is read once at startup and never mutated afterwards.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Audio         AudioConfig         `yaml:"audio"`
	Denoise       DenoiseConfig       `yaml:"denoise"`
	VAD           VADConfig           `yaml:"vad"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	STT           STTConfig           `yaml:"stt"`
	PostProcess   PostProcessConfig   `yaml:"postprocess"`
	Session       SessionConfig       `yaml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	GRPCPort    string `yaml:"grpc_port"`
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
	Env         string `yaml:"env"`
}

// AudioConfig describes the internal frame format every session is normalized to.
type AudioConfig struct {
	PipelineSampleRate int           `yaml:"pipeline_sample_rate"`
	FrameDuration      time.Duration `yaml:"frame_duration"`
}

type DenoiseConfig struct {
	Enabled    bool    `yaml:"enabled"`
	FloorDB    float64 `yaml:"floor_db"`
	NoiseAlpha float64 `yaml:"noise_alpha"`
}

type VADConfig struct {
	ModelPath         string  `yaml:"model_path"`
	Threshold         float64 `yaml:"threshold"`
	ForceFallback     bool    `yaml:"force_fallback"`
	EnergyThresholdDB float64 `yaml:"energy_threshold_db"`
	ZCRMax            float64 `yaml:"zcr_max"`
	HangoverFrames    int     `yaml:"hangover_frames"`
}

type SegmenterConfig struct {
	EndOfUtteranceSilence time.Duration `yaml:"end_of_utterance_silence"`
	MaxSegmentDuration    time.Duration `yaml:"max_segment_duration"`
	InterimEveryFrames    int           `yaml:"interim_every_frames"`
	TrailingSilenceKeep   time.Duration `yaml:"trailing_silence_keep"`
}

type SchedulerConfig struct {
	Workers        int           `yaml:"workers"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	HardCeiling    int           `yaml:"hard_ceiling"`
	FinalGrace     time.Duration `yaml:"final_grace"`
	DegradedWait   time.Duration `yaml:"degraded_wait"`
}

type STTConfig struct {
	Provider     string        `yaml:"provider"`
	Fallbacks    []string      `yaml:"fallbacks"`
	LanguageCode string        `yaml:"language_code"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	ModelPath    string        `yaml:"model_path"`
	NativePool   int           `yaml:"native_pool"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type PostProcessConfig struct {
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	Wait          time.Duration `yaml:"wait"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	HistorySize   int           `yaml:"history_size"`
}

type SessionConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ResultBuffer int           `yaml:"result_buffer"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

type ObservabilityConfig struct {
	LogLevel         string  `yaml:"log_level"`
	LogFormat        string  `yaml:"log_format"`
	TracingEnabled   bool    `yaml:"tracing_enabled"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Known provider names, checked by Validate.
var (
	STTProviders         = []string{"mock", "google", "openai", "whisper", "whisper-native"}
	PostProcessProviders = []string{"noop", "openai", "gemini"}
)

// Defaults returns the configuration used when nothing is set.
func Defaults() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:   "svc-realtime-transcribe",
			GRPCPort:    "50051",
			HTTPPort:    "8080",
			MetricsPort: "9090",
		},
		Audio: AudioConfig{
			PipelineSampleRate: 16000,
			FrameDuration:      20 * time.Millisecond,
		},
		Denoise: DenoiseConfig{
			Enabled:    true,
			FloorDB:    -30,
			NoiseAlpha: 0.95,
		},
		VAD: VADConfig{
			ModelPath:         "models/silero_vad.onnx",
			Threshold:         0.5,
			EnergyThresholdDB: -45,
			ZCRMax:            0.35,
			HangoverFrames:    3,
		},
		Segmenter: SegmenterConfig{
			EndOfUtteranceSilence: 700 * time.Millisecond,
			MaxSegmentDuration:    15 * time.Second,
			InterimEveryFrames:    25,
			TrailingSilenceKeep:   200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Workers:        4,
			PerCallTimeout: 10 * time.Second,
			QueueCapacity:  64,
			HardCeiling:    256,
			FinalGrace:     5 * time.Second,
			DegradedWait:   2 * time.Second,
		},
		STT: STTConfig{
			Provider:     "mock",
			LanguageCode: "en-US",
			NativePool:   2,
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		PostProcess: PostProcessConfig{
			Provider:      "noop",
			Wait:          800 * time.Millisecond,
			Timeout:       8 * time.Second,
			MaxConcurrent: 8,
			HistorySize:   5,
		},
		Session: SessionConfig{
			IdleTimeout:  2 * time.Minute,
			ResultBuffer: 64,
		},
		Kafka: KafkaConfig{
			TopicPartial: "transcript.partial",
			TopicFinal:   "transcript.final",
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			TraceSampleRatio: 1,
		},
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() *Configuration {
	return applyEnv(Defaults())
}

// LoadFile decodes the YAML file at path on top of the defaults and then
// applies environment overrides. An empty path is the same as Load.
func LoadFile(path string) (*Configuration, error) {
	if path == "" {
		return Load(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of the defaults and applies
// environment overrides. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Configuration, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg *Configuration) *Configuration {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.GRPCPort = envOrDefault("GRPC_PORT", cfg.Service.GRPCPort)
	cfg.Service.HTTPPort = envOrDefault("HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.MetricsPort = envOrDefault("METRICS_PORT", cfg.Service.MetricsPort)
	cfg.Service.Env = envOrDefault("ENV", cfg.Service.Env)

	cfg.Audio.PipelineSampleRate = envOrDefaultInt("AUDIO_PIPELINE_SAMPLE_RATE", cfg.Audio.PipelineSampleRate)
	cfg.Audio.FrameDuration = envOrDefaultDuration("AUDIO_FRAME_DURATION", cfg.Audio.FrameDuration)

	cfg.Denoise.Enabled = envOrDefaultBool("DENOISE_ENABLED", cfg.Denoise.Enabled)
	cfg.Denoise.FloorDB = envOrDefaultFloat("DENOISE_FLOOR_DB", cfg.Denoise.FloorDB)
	cfg.Denoise.NoiseAlpha = envOrDefaultFloat("DENOISE_NOISE_ALPHA", cfg.Denoise.NoiseAlpha)

	cfg.VAD.ModelPath = envOrDefault("VAD_MODEL_PATH", cfg.VAD.ModelPath)
	cfg.VAD.Threshold = envOrDefaultFloat("VAD_THRESHOLD", cfg.VAD.Threshold)
	cfg.VAD.ForceFallback = envOrDefaultBool("VAD_FORCE_FALLBACK", cfg.VAD.ForceFallback)
	cfg.VAD.EnergyThresholdDB = envOrDefaultFloat("VAD_ENERGY_THRESHOLD_DB", cfg.VAD.EnergyThresholdDB)
	cfg.VAD.ZCRMax = envOrDefaultFloat("VAD_ZCR_MAX", cfg.VAD.ZCRMax)
	cfg.VAD.HangoverFrames = envOrDefaultInt("VAD_HANGOVER_FRAMES", cfg.VAD.HangoverFrames)

	cfg.Segmenter.EndOfUtteranceSilence = envOrDefaultDuration("SEGMENT_EOU_SILENCE", cfg.Segmenter.EndOfUtteranceSilence)
	cfg.Segmenter.MaxSegmentDuration = envOrDefaultDuration("SEGMENT_MAX_DURATION", cfg.Segmenter.MaxSegmentDuration)
	cfg.Segmenter.InterimEveryFrames = envOrDefaultInt("SEGMENT_INTERIM_EVERY_FRAMES", cfg.Segmenter.InterimEveryFrames)
	cfg.Segmenter.TrailingSilenceKeep = envOrDefaultDuration("SEGMENT_TRAILING_SILENCE_KEEP", cfg.Segmenter.TrailingSilenceKeep)

	cfg.Scheduler.Workers = envOrDefaultInt("SCHEDULER_WORKERS", cfg.Scheduler.Workers)
	cfg.Scheduler.PerCallTimeout = envOrDefaultDuration("SCHEDULER_CALL_TIMEOUT", cfg.Scheduler.PerCallTimeout)
	cfg.Scheduler.QueueCapacity = envOrDefaultInt("SCHEDULER_QUEUE_CAPACITY", cfg.Scheduler.QueueCapacity)
	cfg.Scheduler.HardCeiling = envOrDefaultInt("SCHEDULER_HARD_CEILING", cfg.Scheduler.HardCeiling)
	cfg.Scheduler.FinalGrace = envOrDefaultDuration("SCHEDULER_FINAL_GRACE", cfg.Scheduler.FinalGrace)
	cfg.Scheduler.DegradedWait = envOrDefaultDuration("SCHEDULER_DEGRADED_WAIT", cfg.Scheduler.DegradedWait)

	cfg.STT.Provider = envOrDefault("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.Fallbacks = envOrDefaultList("STT_FALLBACKS", cfg.STT.Fallbacks)
	cfg.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", cfg.STT.LanguageCode)
	cfg.STT.Model = envOrDefault("STT_MODEL", cfg.STT.Model)
	cfg.STT.APIKey = envOrDefault("STT_API_KEY", cfg.STT.APIKey)
	cfg.STT.BaseURL = envOrDefault("STT_BASE_URL", cfg.STT.BaseURL)
	cfg.STT.ModelPath = envOrDefault("STT_MODEL_PATH", cfg.STT.ModelPath)
	cfg.STT.NativePool = envOrDefaultInt("STT_NATIVE_POOL", cfg.STT.NativePool)
	cfg.STT.MaxFailures = envOrDefaultInt("STT_MAX_FAILURES", cfg.STT.MaxFailures)
	cfg.STT.ResetTimeout = envOrDefaultDuration("STT_RESET_TIMEOUT", cfg.STT.ResetTimeout)

	cfg.PostProcess.Provider = envOrDefault("POSTPROCESS_PROVIDER", cfg.PostProcess.Provider)
	cfg.PostProcess.Model = envOrDefault("POSTPROCESS_MODEL", cfg.PostProcess.Model)
	cfg.PostProcess.APIKey = envOrDefault("POSTPROCESS_API_KEY", cfg.PostProcess.APIKey)
	cfg.PostProcess.Wait = envOrDefaultDuration("POSTPROCESS_WAIT", cfg.PostProcess.Wait)
	cfg.PostProcess.Timeout = envOrDefaultDuration("POSTPROCESS_TIMEOUT", cfg.PostProcess.Timeout)
	cfg.PostProcess.MaxConcurrent = envOrDefaultInt("POSTPROCESS_MAX_CONCURRENT", cfg.PostProcess.MaxConcurrent)
	cfg.PostProcess.HistorySize = envOrDefaultInt("POSTPROCESS_HISTORY_SIZE", cfg.PostProcess.HistorySize)

	cfg.Session.IdleTimeout = envOrDefaultDuration("SESSION_IDLE_TIMEOUT", cfg.Session.IdleTimeout)
	cfg.Session.ResultBuffer = envOrDefaultInt("SESSION_RESULT_BUFFER", cfg.Session.ResultBuffer)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
	cfg.Observability.TracingEnabled = envOrDefaultBool("TRACING_ENABLED", cfg.Observability.TracingEnabled)
	cfg.Observability.TraceSampleRatio = envOrDefaultFloat("TRACE_SAMPLE_RATIO", cfg.Observability.TraceSampleRatio)

	return cfg
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every violation found.
func (c *Configuration) Validate() error {
	var errs []error

	if c.Audio.PipelineSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.pipeline_sample_rate must be positive, got %d", c.Audio.PipelineSampleRate))
	}
	if c.Audio.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive, got %v", c.Audio.FrameDuration))
	}
	if c.Segmenter.EndOfUtteranceSilence < c.Audio.FrameDuration {
		errs = append(errs, fmt.Errorf("segmenter.end_of_utterance_silence %v is shorter than one frame", c.Segmenter.EndOfUtteranceSilence))
	}
	if c.Segmenter.MaxSegmentDuration < c.Audio.FrameDuration {
		errs = append(errs, fmt.Errorf("segmenter.max_segment_duration %v is shorter than one frame", c.Segmenter.MaxSegmentDuration))
	}
	if c.Segmenter.InterimEveryFrames < 0 {
		errs = append(errs, fmt.Errorf("segmenter.interim_every_frames must not be negative, got %d", c.Segmenter.InterimEveryFrames))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.PerCallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.per_call_timeout must be positive, got %v", c.Scheduler.PerCallTimeout))
	}
	if c.Scheduler.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.queue_capacity must be positive, got %d", c.Scheduler.QueueCapacity))
	}
	if c.Scheduler.HardCeiling < c.Scheduler.QueueCapacity {
		errs = append(errs, fmt.Errorf("scheduler.hard_ceiling %d is below queue_capacity %d", c.Scheduler.HardCeiling, c.Scheduler.QueueCapacity))
	}
	if !slices.Contains(STTProviders, c.STT.Provider) {
		errs = append(errs, fmt.Errorf("stt.provider %q is invalid; valid values: %s", c.STT.Provider, strings.Join(STTProviders, ", ")))
	}
	for i, fb := range c.STT.Fallbacks {
		if !slices.Contains(STTProviders, fb) {
			errs = append(errs, fmt.Errorf("stt.fallbacks[%d] %q is invalid", i, fb))
		}
	}
	if !slices.Contains(PostProcessProviders, c.PostProcess.Provider) {
		errs = append(errs, fmt.Errorf("postprocess.provider %q is invalid; valid values: %s", c.PostProcess.Provider, strings.Join(PostProcessProviders, ", ")))
	}
	if c.PostProcess.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("postprocess.max_concurrent must be positive, got %d", c.PostProcess.MaxConcurrent))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty entries.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
