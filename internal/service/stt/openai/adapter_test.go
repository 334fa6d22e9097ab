package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"realtime-transcribe-backend/internal/service/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", "", ""); err == nil {
		t.Error("expected error for empty api key")
	}
	a, err := New("key", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.model != defaultModel {
		t.Errorf("expected default model %s, got %s", defaultModel, a.model)
	}
}

func TestIsoLanguage(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"en-US", "en"},
		{"pt_BR", "pt"},
		{"JA", "ja"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := isoLanguage(tt.input); got != tt.expected {
			t.Errorf("isoLanguage(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRecognize_PostsMultipart(t *testing.T) {
	var gotModel, gotLang string
	var gotFileSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		if f, _, err := r.FormFile("file"); err == nil {
			b, _ := io.ReadAll(f)
			gotFileSize = len(b)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " hello there "})
	}))
	defer srv.Close()

	a, err := New("key", "", srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := a.Recognize(context.Background(), stt.Audio{Samples: make([]int16, 100), SampleRate: 16000}, "de-DE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello there" {
		t.Errorf("expected 'hello there', got %q", res.Text)
	}
	if gotModel != defaultModel {
		t.Errorf("expected model %s, got %s", defaultModel, gotModel)
	}
	if gotLang != "de" {
		t.Errorf("expected language de, got %s", gotLang)
	}
	if gotFileSize != 44+200 {
		t.Errorf("expected a %d byte WAV, got %d", 44+200, gotFileSize)
	}
}

func TestRecognize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	a, _ := New("key", "", srv.URL)
	if _, err := a.Recognize(context.Background(), stt.Audio{SampleRate: 16000}, ""); err == nil {
		t.Error("expected error from server failure")
	}
}
