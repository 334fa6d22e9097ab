package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "LOG_LEVEL",
	"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_FALLBACKS",
	"SEGMENT_EOU_SILENCE", "SEGMENT_MAX_DURATION", "SEGMENT_INTERIM_EVERY_FRAMES",
	"SCHEDULER_WORKERS", "SCHEDULER_CALL_TIMEOUT", "VAD_FORCE_FALLBACK",
	"KAFKA_PRINCIPAL", "KAFKA_BROKERS",
}

func clearEnv() {
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-realtime-transcribe" {
		t.Errorf("expected default principal 'svc-realtime-transcribe', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}

	// STT defaults
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}

	// Segmenter defaults
	if cfg.Segmenter.EndOfUtteranceSilence != 700*time.Millisecond {
		t.Errorf("expected default silence threshold 700ms, got %v", cfg.Segmenter.EndOfUtteranceSilence)
	}
	if cfg.Segmenter.MaxSegmentDuration != 15*time.Second {
		t.Errorf("expected default max duration 15s, got %v", cfg.Segmenter.MaxSegmentDuration)
	}
	if cfg.Segmenter.InterimEveryFrames != 25 {
		t.Errorf("expected default interim cadence 25, got %d", cfg.Segmenter.InterimEveryFrames)
	}

	// Scheduler defaults
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Scheduler.Workers)
	}

	// Observability defaults
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv()
	os.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	os.Setenv("GRPC_PORT", "9999")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("STT_PROVIDER", "google")
	os.Setenv("STT_LANGUAGE_CODE", "ja-JP")
	os.Setenv("STT_FALLBACKS", "whisper, mock")
	os.Setenv("SEGMENT_EOU_SILENCE", "500ms")
	os.Setenv("SEGMENT_MAX_DURATION", "10s")
	os.Setenv("SCHEDULER_WORKERS", "8")
	os.Setenv("VAD_FORCE_FALLBACK", "true")
	defer clearEnv()

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "ja-JP" {
		t.Errorf("expected language 'ja-JP', got %s", cfg.STT.LanguageCode)
	}
	if len(cfg.STT.Fallbacks) != 2 || cfg.STT.Fallbacks[0] != "whisper" || cfg.STT.Fallbacks[1] != "mock" {
		t.Errorf("expected fallbacks [whisper mock], got %v", cfg.STT.Fallbacks)
	}
	if cfg.Segmenter.EndOfUtteranceSilence != 500*time.Millisecond {
		t.Errorf("expected silence threshold 500ms, got %v", cfg.Segmenter.EndOfUtteranceSilence)
	}
	if cfg.Segmenter.MaxSegmentDuration != 10*time.Second {
		t.Errorf("expected max duration 10s, got %v", cfg.Segmenter.MaxSegmentDuration)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("expected workers 8, got %d", cfg.Scheduler.Workers)
	}
	if !cfg.VAD.ForceFallback {
		t.Error("expected VAD force fallback true")
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv()
	os.Setenv("SEGMENT_EOU_SILENCE", "invalid")
	os.Setenv("SEGMENT_MAX_DURATION", "invalid")
	os.Setenv("SEGMENT_INTERIM_EVERY_FRAMES", "invalid")
	os.Setenv("SCHEDULER_WORKERS", "not-a-number")
	os.Setenv("VAD_FORCE_FALLBACK", "invalid")
	defer clearEnv()

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.Segmenter.EndOfUtteranceSilence != 700*time.Millisecond {
		t.Errorf("expected default silence threshold on invalid input, got %v", cfg.Segmenter.EndOfUtteranceSilence)
	}
	if cfg.Segmenter.MaxSegmentDuration != 15*time.Second {
		t.Errorf("expected default max duration on invalid input, got %v", cfg.Segmenter.MaxSegmentDuration)
	}
	if cfg.Segmenter.InterimEveryFrames != 25 {
		t.Errorf("expected default interim cadence on invalid input, got %d", cfg.Segmenter.InterimEveryFrames)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("expected default workers on invalid input, got %d", cfg.Scheduler.Workers)
	}
	if cfg.VAD.ForceFallback {
		t.Error("expected default force fallback on invalid input")
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv()
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	defer clearEnv()

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestLoadFromReader(t *testing.T) {
	clearEnv()
	os.Setenv("SCHEDULER_WORKERS", "6")
	defer clearEnv()

	yml := `
segmenter:
  end_of_utterance_silence: 400ms
  interim_every_frames: 10
scheduler:
  workers: 2
stt:
  provider: whisper
  fallbacks: [mock]
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Segmenter.EndOfUtteranceSilence != 400*time.Millisecond {
		t.Errorf("expected 400ms from file, got %v", cfg.Segmenter.EndOfUtteranceSilence)
	}
	if cfg.Segmenter.InterimEveryFrames != 10 {
		t.Errorf("expected 10 from file, got %d", cfg.Segmenter.InterimEveryFrames)
	}
	// Environment wins over the file.
	if cfg.Scheduler.Workers != 6 {
		t.Errorf("expected env override 6, got %d", cfg.Scheduler.Workers)
	}
	// Untouched keys keep defaults.
	if cfg.Segmenter.MaxSegmentDuration != 15*time.Second {
		t.Errorf("expected default max duration, got %v", cfg.Segmenter.MaxSegmentDuration)
	}
	if cfg.STT.Provider != "whisper" {
		t.Errorf("expected provider whisper, got %s", cfg.STT.Provider)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	clearEnv()
	_, err := LoadFromReader(strings.NewReader("scheduler:\n  wrokers: 2\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr string
	}{
		{"defaults", func(c *Configuration) {}, ""},
		{"zero workers", func(c *Configuration) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"ceiling below capacity", func(c *Configuration) { c.Scheduler.HardCeiling = 1 }, "hard_ceiling"},
		{"unknown stt", func(c *Configuration) { c.STT.Provider = "azure" }, "stt.provider"},
		{"unknown fallback", func(c *Configuration) { c.STT.Fallbacks = []string{"nope"} }, "stt.fallbacks[0]"},
		{"silence shorter than frame", func(c *Configuration) { c.Segmenter.EndOfUtteranceSilence = time.Millisecond }, "end_of_utterance_silence"},
		{"kafka without brokers", func(c *Configuration) { c.Kafka.Enabled = true }, "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	os.Setenv("TEST_LIST_VAR", " a, ,b ")
	defer os.Unsetenv("TEST_LIST_VAR")

	got := envOrDefaultList("TEST_LIST_VAR", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	if got := envOrDefaultList("TEST_LIST_UNSET", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("expected default [x], got %v", got)
	}
}
