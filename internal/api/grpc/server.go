// Package grpcapi serves the transcription protocol as a bidirectional gRPC
// stream.
package grpcapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability"
	"realtime-transcribe-backend/internal/service/session"
)

// ServiceName is the fully qualified service name, also used for health.
const ServiceName = "realtime.transcribe.v1.TranscriptionService"

const streamMethod = "/" + ServiceName + "/Stream"

// DefaultSendTimeout bounds one SendMsg to a client that stopped reading.
const DefaultSendTimeout = 5 * time.Second

var errSendStalled = errors.New("grpc: send timed out, client not reading")

// Frame is one client message: audio bytes or a control message.
type Frame struct {
	Audio   []byte                 `json:"audio,omitempty"`
	Control *models.ControlMessage `json:"control,omitempty"`
}

// TranscriptionServer is the server side of the transcription service.
type TranscriptionServer interface {
	Stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "realtime/transcribe/v1/transcription.proto",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TranscriptionServer).Stream(stream)
}

// Server binds each stream to a session.
type Server struct {
	sessions    *session.Manager
	sendTimeout time.Duration
}

// Register adds the transcription service to g.
func Register(g *grpc.Server, sessions *session.Manager) *Server {
	s := &Server{sessions: sessions, sendTimeout: DefaultSendTimeout}
	g.RegisterService(&serviceDesc, s)
	return s
}

// Stream runs one session until it closes. The client id is read from the
// x-client-id metadata.
func (s *Server) Stream(stream grpc.ServerStream) error {
	sink := &streamSink{stream: stream, timeout: s.sendTimeout}
	sess, err := s.sessions.Open(observability.ClientID(stream.Context()), sink)
	if err != nil {
		if errors.Is(err, session.ErrShuttingDown) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	terminal := make(chan error, 1)
	go s.readLoop(stream, sess, terminal)
	<-sess.Done()

	select {
	case err := <-terminal:
		return statusFor(err)
	default:
		return nil
	}
}

// readLoop feeds frames into the session. The error that ended the session,
// if it was one the client caused, is reported on terminal.
func (s *Server) readLoop(stream grpc.ServerStream, sess *session.Session, terminal chan<- error) {
	for {
		var f Frame
		if err := stream.RecvMsg(&f); err != nil {
			sess.Close(session.ReasonDisconnected, nil)
			return
		}

		var err error
		switch {
		case f.Control != nil:
			err = sess.HandleControl(*f.Control)
		case len(f.Audio) > 0:
			err = sess.HandleAudio(f.Audio)
		default:
			continue
		}
		if err != nil {
			terminal <- err
			sess.Close(session.ReasonFor(err), err)
			return
		}
	}
}

func statusFor(err error) error {
	switch session.ReasonFor(err) {
	case session.ReasonProtocol:
		return status.Error(codes.InvalidArgument, err.Error())
	case session.ReasonExhausted:
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return nil
	}
}

// streamSink serializes sends on a server stream. SendMsg is not safe for
// concurrent use. A send that outlives timeout marks the sink stalled; the
// blocked SendMsg returns once the handler exits and the stream is torn down.
type streamSink struct {
	mu      sync.Mutex
	stream  grpc.ServerStream
	timeout time.Duration
	closed  bool
	stalled bool
}

func (s *streamSink) Send(msg models.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("grpc: stream closed")
	}
	if s.stalled {
		return errSendStalled
	}
	if s.timeout <= 0 {
		return s.stream.SendMsg(&msg)
	}

	done := make(chan error, 1)
	go func() { done <- s.stream.SendMsg(&msg) }()
	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		s.stalled = true
		return errSendStalled
	}
}

// Close stops further sends. The stream itself ends when the handler returns.
func (s *streamSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ClientStream is the client side of one transcription stream.
type ClientStream struct {
	stream grpc.ClientStream
}

// OpenStream starts a transcription stream on cc. An empty clientID lets the
// server generate one.
func OpenStream(ctx context.Context, cc grpc.ClientConnInterface, clientID string) (*ClientStream, error) {
	if clientID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-client-id", clientID)
	}
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		log.Debug().Err(err).Msg("Open transcription stream failed")
		return nil, err
	}
	return &ClientStream{stream: stream}, nil
}

// SendControl sends a control message.
func (c *ClientStream) SendControl(m models.ControlMessage) error {
	return c.stream.SendMsg(&Frame{Control: &m})
}

// SendAudio sends one audio chunk.
func (c *ClientStream) SendAudio(chunk []byte) error {
	return c.stream.SendMsg(&Frame{Audio: chunk})
}

// Recv blocks for the next server message.
func (c *ClientStream) Recv() (models.ServerMessage, error) {
	var msg models.ServerMessage
	err := c.stream.RecvMsg(&msg)
	return msg, err
}

// CloseSend half-closes the stream.
func (c *ClientStream) CloseSend() error {
	return c.stream.CloseSend()
}
