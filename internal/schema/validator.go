// Package schema decodes and validates client control messages. Every
// violation is a session protocol error.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/models"
)

// Limits bound what a client may request.
type Limits struct {
	MinSampleRate  int
	MaxSampleRate  int
	MaxChannels    int
	MaxKeywords    int
	MaxKeywordLen  int
	MaxMessageSize int
}

// DefaultLimits returns the limits used by the transports.
func DefaultLimits() Limits {
	return Limits{
		MinSampleRate:  8000,
		MaxSampleRate:  192000,
		MaxChannels:    8,
		MaxKeywords:    100,
		MaxKeywordLen:  64,
		MaxMessageSize: 64 * 1024,
	}
}

var encodings = []string{models.EncodingPCM16LE, models.EncodingOpus}

type Validator struct {
	limits Limits
}

func New() *Validator {
	return NewWithLimits(DefaultLimits())
}

func NewWithLimits(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Decode parses one text frame into a control message and validates it.
// Missing channels in start default to mono.
func (v *Validator) Decode(data []byte) (models.ControlMessage, error) {
	var m models.ControlMessage
	if v.limits.MaxMessageSize > 0 && len(data) > v.limits.MaxMessageSize {
		return m, protocolError("control message of %d bytes exceeds %d", len(data), v.limits.MaxMessageSize)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return m, protocolError("empty control message")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, protocolError("malformed control message: %v", err)
	}
	return v.Prepare(m)
}

// Prepare applies defaults to a control message that arrived already decoded
// and validates it.
func (v *Validator) Prepare(m models.ControlMessage) (models.ControlMessage, error) {
	if m.Type == models.TypeStart && m.Channels == 0 {
		m.Channels = 1
	}
	return m, v.Validate(m)
}

// Validate checks m against its type's rules.
func (v *Validator) Validate(m models.ControlMessage) error {
	switch m.Type {
	case models.TypeStart:
		if m.SampleRate < v.limits.MinSampleRate || m.SampleRate > v.limits.MaxSampleRate {
			return protocolError("sampleRate %d outside [%d, %d]", m.SampleRate, v.limits.MinSampleRate, v.limits.MaxSampleRate)
		}
		if m.Channels < 1 || m.Channels > v.limits.MaxChannels {
			return protocolError("channels %d outside [1, %d]", m.Channels, v.limits.MaxChannels)
		}
		if m.Encoding != "" && !slices.Contains(encodings, m.Encoding) {
			return protocolError("unsupported encoding %q; valid values: %s", m.Encoding, strings.Join(encodings, ", "))
		}
		return v.validateKeywords(m.Keywords)
	case models.TypeConfig:
		if m.SampleRate != 0 || m.Channels != 0 || m.Encoding != "" {
			return protocolError("audio format cannot change after start")
		}
		return v.validateKeywords(m.Keywords)
	case models.TypeStop:
		return nil
	case "":
		return protocolError("control message without type")
	default:
		return protocolError("unknown message type %q", m.Type)
	}
}

func (v *Validator) validateKeywords(keywords []string) error {
	if v.limits.MaxKeywords > 0 && len(keywords) > v.limits.MaxKeywords {
		return protocolError("%d keywords exceed the limit of %d", len(keywords), v.limits.MaxKeywords)
	}
	for _, k := range keywords {
		if v.limits.MaxKeywordLen > 0 && len(k) > v.limits.MaxKeywordLen {
			return protocolError("keyword %.16q... longer than %d bytes", k, v.limits.MaxKeywordLen)
		}
	}
	return nil
}

func protocolError(format string, args ...any) error {
	return errs.New(errs.KindSessionProtocol, fmt.Sprintf(format, args...))
}
