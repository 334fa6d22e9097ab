package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"realtime-transcribe-backend/internal/api/ws"
	"realtime-transcribe-backend/internal/app"
	"realtime-transcribe-backend/internal/service/postprocess"
)

const maxSummaryBody = 1 << 20

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Status().Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, application.Status())
		})
		r.Get("/sessions/{id}", sessionHandler(application))
		r.Post("/summary", summaryHandler(application))
	})

	// Streaming
	streams := ws.NewHandler(application.Sessions, ws.DefaultConfig())
	r.Handle("/ws/transcribe", streams)
	r.Handle("/ws/transcribe/{clientId}", streams)

	return r
}

func sessionHandler(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := application.Sessions.Get(chi.URLParam(r, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, sess.Info())
	}
}

type summaryRequest struct {
	Items    []postprocess.SummaryItem `json:"items"`
	Language string                    `json:"language,omitempty"`
}

func summaryHandler(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req summaryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSummaryBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid summary request: " + err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, application.PostProcess.Summarize(r.Context(), req.Items, req.Language))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Write response failed")
	}
}
