// Package errs provides kind-coded errors shared by the transcription pipeline.
package errs

import "errors"

// Kind is a short machine-readable error category. It is sent to clients
// verbatim in error messages.
type Kind string

const (
	KindUnknown Kind = "unknown"

	// KindDependencyUnavailable marks a preferred model or native library that
	// could not be initialized. The caller falls back; it is never fatal.
	KindDependencyUnavailable Kind = "dependency_unavailable"
	// KindSegmentRecognition marks a failed or timed out recognition call.
	// Scoped to one segment.
	KindSegmentRecognition Kind = "segment_recognition_failure"
	// KindPostProcessing marks a failed refinement or translation. Never sent
	// to the client as an error.
	KindPostProcessing Kind = "post_processing_failure"
	// KindSessionProtocol marks a malformed or out-of-order control message.
	// Terminates the session.
	KindSessionProtocol Kind = "session_protocol_error"
	// KindChannelDisconnect marks transport loss.
	KindChannelDisconnect Kind = "channel_disconnect"
	// KindResourceExhausted marks a scheduler past its hard ceiling.
	// Terminates the session.
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error wraps an error with a kind and, for segment-scoped failures, the
// segment it belongs to. Segment ids start at 1; zero means no segment.
type Error struct {
	Kind      Kind
	SegmentID uint64
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a kind to err. It is a no-op if err is nil or already carries
// a kind, so the innermost classification wins.
func Wrap(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// ForSegment attaches a kind and segment id to err. An existing kind is kept
// but the segment id is always set.
func ForSegment(err error, kind Kind, segmentID uint64) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, SegmentID: segmentID, Err: e.Err}
	}
	return &Error{Kind: kind, SegmentID: segmentID, Err: err}
}

// KindOf extracts the kind from err, if present.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// SegmentOf returns the segment id attached to err, or zero.
func SegmentOf(err error) uint64 {
	var e *Error
	if errors.As(err, &e) {
		return e.SegmentID
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
