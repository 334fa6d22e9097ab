// Package ws serves the transcription protocol over WebSocket. Binary
// messages carry audio, text messages carry JSON control messages.
package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/session"
)

// Config tunes the connection limits.
type Config struct {
	ReadLimit    int64
	WriteTimeout time.Duration
}

// DefaultConfig returns limits sized for 100ms audio chunks with headroom.
func DefaultConfig() Config {
	return Config{
		ReadLimit:    1 << 20,
		WriteTimeout: 5 * time.Second,
	}
}

// Handler upgrades requests and binds each connection to a session.
type Handler struct {
	sessions *session.Manager
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler backed by sessions.
func NewHandler(sessions *session.Manager, cfg Config) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Handler{
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP runs one session for the lifetime of the connection. The client id
// is taken from the clientId route parameter when present.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	sink := &connSink{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	sess, err := h.sessions.Open(chi.URLParam(r, "clientId"), sink)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrShuttingDown) {
			code = websocket.CloseTryAgainLater
		}
		_ = sink.closeWith(code, err.Error())
		return
	}

	h.readLoop(conn, sess)
	<-sess.Done()
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			// Also reached when the session closes the connection itself.
			sess.Close(session.ReasonDisconnected, nil)
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			err = sess.HandleAudio(data)
		case websocket.TextMessage:
			err = sess.HandleText(data)
		default:
			continue
		}
		if err != nil {
			sess.Close(session.ReasonFor(err), err)
			return
		}
	}
}

// connSink writes server messages to one connection. gorilla connections
// support a single concurrent writer.
type connSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func (s *connSink) Send(msg models.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *connSink) Close() error {
	return s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *connSink) closeWith(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	return s.conn.Close()
}
