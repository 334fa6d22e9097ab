package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-transcribe-backend/internal/app"
	"realtime-transcribe-backend/internal/config"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/postprocess"
)

type nopSink struct{}

func (nopSink) Send(models.ServerMessage) error { return nil }
func (nopSink) Close() error                    { return nil }

func newApp(t *testing.T) *app.Application {
	t.Helper()
	cfg := config.Defaults()
	cfg.VAD.ForceFallback = true

	a := app.New(cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestProbes(t *testing.T) {
	h := NewRouter(newApp(t))

	tests := []struct {
		path       string
		expectCode int
		expectBody string
	}{
		{"/v1/liveness", http.StatusOK, "ok"},
		{"/v1/readiness", http.StatusOK, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.expectCode {
				t.Errorf("expected %d, got %d", tt.expectCode, rec.Code)
			}
			if rec.Body.String() != tt.expectBody {
				t.Errorf("expected %q, got %q", tt.expectBody, rec.Body.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	a := newApp(t)
	h := NewRouter(a)

	if _, err := a.Sessions.Open("kiosk-3", nopSink{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var st app.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Healthy {
		t.Error("expected healthy")
	}
	if st.VADStrategy != "fallback" {
		t.Errorf("expected fallback strategy, got %s", st.VADStrategy)
	}
	if st.ActiveSessions != 1 || len(st.Sessions) != 1 {
		t.Errorf("expected 1 session, got %d/%d", st.ActiveSessions, len(st.Sessions))
	}
	if st.Recognizer != "mock" {
		t.Errorf("expected mock recognizer, got %s", st.Recognizer)
	}
}

func TestSessionLookup(t *testing.T) {
	a := newApp(t)
	h := NewRouter(a)

	if _, err := a.Sessions.Open("kiosk-4", nopSink{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	tests := []struct {
		id         string
		expectCode int
	}{
		{"kiosk-4", http.StatusOK},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+tt.id, nil))
			if rec.Code != tt.expectCode {
				t.Errorf("expected %d, got %d", tt.expectCode, rec.Code)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	h := NewRouter(newApp(t))

	tests := []struct {
		name       string
		body       string
		expectCode int
		fallback   bool
	}{
		{"single item falls back", `{"items":[{"text":"hello there"}]}`, http.StatusOK, true},
		{"noop backend falls back", `{"items":[{"text":"a"},{"text":"b"}],"language":"en"}`, http.StatusOK, true},
		{"malformed", `{"items":`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/summary", strings.NewReader(tt.body))
			h.ServeHTTP(rec, req)
			if rec.Code != tt.expectCode {
				t.Fatalf("expected %d, got %d", tt.expectCode, rec.Code)
			}
			if tt.expectCode != http.StatusOK {
				return
			}
			var s postprocess.Summary
			if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if s.Fallback != tt.fallback {
				t.Errorf("expected fallback=%v, got %v", tt.fallback, s.Fallback)
			}
			if s.Summary == "" {
				t.Error("expected a summary")
			}
		})
	}
}
