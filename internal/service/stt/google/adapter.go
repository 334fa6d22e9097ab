// Package google provides a Google Cloud Speech-to-Text recognizer.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"

	"realtime-transcribe-backend/internal/service/stt"
)

// Config holds Google recognition settings.
type Config struct {
	LanguageCode  string
	Model         string
	AudioEncoding string
	Punctuation   bool
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		AudioEncoding: "LINEAR16",
		Punctuation:   true,
	}
}

// speechClient is the subset of *speech.Client used here.
type speechClient interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Adapter implements stt.Recognizer with the batch Recognize RPC.
type Adapter struct {
	client speechClient
	cfg    Config
}

// New creates a new Google recognizer.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "google" }

// Recognize sends one segment and joins the top alternative of every result.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio, languageHint string) (stt.Recognition, error) {
	lang := a.cfg.LanguageCode
	if languageHint != "" {
		lang = languageHint
	}

	resp, err := a.client.Recognize(ctx, a.request(audio, lang))
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("google: recognize: %w", err)
	}

	rec := stt.Recognition{Language: lang}
	var parts []string
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.GetAlternatives()[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
		if r.GetLanguageCode() != "" {
			rec.Language = r.GetLanguageCode()
		}
	}
	rec.Text = strings.Join(parts, " ")
	return rec, nil
}

func (a *Adapter) request(audio stt.Audio, lang string) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz:            int32(audio.SampleRate),
			AudioChannelCount:          1,
			LanguageCode:               lang,
			Model:                      a.cfg.Model,
			EnableAutomaticPunctuation: a.cfg.Punctuation,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio.PCM()},
		},
	}
}

// Close releases the client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// parseAudioEncoding maps a config string to the API enum, defaulting to
// LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
