// Package openai provides a recognizer backed by the OpenAI transcription
// endpoint.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"realtime-transcribe-backend/internal/service/stt"
)

const defaultModel = "whisper-1"

// Adapter implements stt.Recognizer using Audio.Transcriptions.
type Adapter struct {
	client oai.Client
	model  string
}

// New constructs an OpenAI recognizer. baseURL may point at any
// OpenAI-compatible server and is optional.
func New(apiKey, model, baseURL string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Adapter{client: oai.NewClient(opts...), model: model}, nil
}

func (a *Adapter) Name() string { return "openai" }

// Recognize uploads the segment as WAV.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio, languageHint string) (stt.Recognition, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.WAV()), "segment.wav", "audio/wav"),
		Model: oai.AudioModel(a.model),
	}
	lang := isoLanguage(languageHint)
	if lang != "" {
		params.Language = oai.String(lang)
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("openai: transcription: %w", err)
	}
	return stt.Recognition{Text: strings.TrimSpace(resp.Text), Language: languageHint}, nil
}

// isoLanguage reduces a BCP-47 tag such as "en-US" to the ISO-639-1 code the
// transcription endpoint expects.
func isoLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
