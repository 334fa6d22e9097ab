//go:build whisper

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"

	"realtime-transcribe-backend/internal/service/stt"
)

// Available reports whether the native backend was compiled in.
const Available = true

// Native implements stt.Recognizer with in-process whisper.cpp. The model is
// shared; contexts are not safe for concurrent use, so at most poolSize
// inferences run at once, each on its own context.
type Native struct {
	model whisperlib.Model
	slots chan struct{}
}

// NewNative loads the model at modelPath.
func NewNative(modelPath string, poolSize int) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &Native{model: model, slots: make(chan struct{}, poolSize)}, nil
}

func (n *Native) Name() string { return "whisper-native" }

// Recognize waits for a free slot, then runs inference on a fresh context.
func (n *Native) Recognize(ctx context.Context, audio stt.Audio, languageHint string) (stt.Recognition, error) {
	select {
	case n.slots <- struct{}{}:
	case <-ctx.Done():
		return stt.Recognition{}, ctx.Err()
	}
	defer func() { <-n.slots }()

	wctx, err := n.model.NewContext()
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if lang := shortLanguage(languageHint); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			log.Warn().Err(err).Str("language", lang).Msg("whisper: failed to set language, using default")
		}
	}

	// Process is not interruptible; the slot is held until it returns.
	if err := wctx.Process(audio.Float32(), nil, nil, nil); err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Recognition{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return stt.Recognition{Text: strings.Join(parts, " "), Language: languageHint}, nil
}

// Close releases the model.
func (n *Native) Close() error {
	return n.model.Close()
}
