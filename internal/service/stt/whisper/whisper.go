// Package whisper provides recognizers backed by whisper.cpp: over HTTP
// against a whisper.cpp server, or in process through the Go bindings when
// built with the "whisper" tag.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"realtime-transcribe-backend/internal/service/stt"
)

// Adapter implements stt.Recognizer against a whisper.cpp server's
// POST /inference endpoint.
type Adapter struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates an HTTP whisper recognizer.
func New(serverURL, model string) (*Adapter, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	return &Adapter{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Name() string { return "whisper" }

// Recognize implements stt.Recognizer.
func (a *Adapter) Recognize(ctx context.Context, audio stt.Audio, languageHint string) (stt.Recognition, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.WAV()); err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	lang := shortLanguage(languageHint)
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Recognition{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if a.model != "" {
		if err := mw.WriteField("model", a.model); err != nil {
			return stt.Recognition{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/inference", &body)
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Recognition{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Recognition{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return stt.Recognition{Text: strings.TrimSpace(result.Text), Language: languageHint}, nil
}

// shortLanguage turns "en-US" into "en".
func shortLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
