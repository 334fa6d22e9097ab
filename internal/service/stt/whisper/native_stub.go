//go:build !whisper

package whisper

import (
	"context"
	"errors"

	"realtime-transcribe-backend/internal/service/stt"
)

// Available reports whether the native backend was compiled in.
const Available = false

// ErrNativeUnavailable is returned when the binary was built without the
// "whisper" tag.
var ErrNativeUnavailable = errors.New("whisper: native backend not compiled in (build with -tags whisper)")

// Native is a placeholder so callers compile without cgo.
type Native struct{}

// NewNative always fails in builds without the "whisper" tag.
func NewNative(string, int) (*Native, error) {
	return nil, ErrNativeUnavailable
}

func (n *Native) Name() string { return "whisper-native" }

func (n *Native) Recognize(context.Context, stt.Audio, string) (stt.Recognition, error) {
	return stt.Recognition{}, ErrNativeUnavailable
}

func (n *Native) Close() error { return nil }
