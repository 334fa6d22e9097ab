package vad

import (
	"github.com/rs/zerolog/log"

	"realtime-transcribe-backend/internal/errs"
)

// newPrimary builds the neural strategy. It is replaced by the silero build.
var newPrimary = func(cfg Config) (Strategy, error) {
	return nil, errs.New(errs.KindDependencyUnavailable, "binary built without the silero tag")
}

// Select tries the primary strategy and binds the fallback on any failure.
// It is called once at startup; the result is never re-evaluated.
func Select(cfg Config) Strategy {
	if cfg.ForceFallback {
		log.Warn().
			Str("kind", string(errs.KindDependencyUnavailable)).
			Msg("Primary VAD disabled by configuration, using energy fallback")
		return NewEnergy(cfg)
	}

	s, err := newPrimary(cfg)
	if err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(errs.KindDependencyUnavailable)).
			Str("modelPath", cfg.ModelPath).
			Msg("Primary VAD unavailable, using energy fallback")
		return NewEnergy(cfg)
	}

	log.Info().
		Str("strategy", s.Name()).
		Str("modelPath", cfg.ModelPath).
		Msg("Primary VAD initialized")
	return s
}
