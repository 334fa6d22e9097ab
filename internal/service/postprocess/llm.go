// Package postprocess refines and translates final transcripts with an LLM
// backend, matches user keywords, and summarizes sessions.
package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnavailable is returned by the noop backend.
var ErrUnavailable = errors.New("postprocess: no LLM backend configured")

// LLM completes a single prompt. Implementations are safe for concurrent use.
type LLM interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Noop is the LLM used when no provider is configured. Every call fails, so
// overlays carry the unavailable flags.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Complete(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// decodeReply unmarshals the JSON object in an LLM reply into v. Replies are
// often wrapped in markdown fences or surrounded by prose.
func decodeReply(reply string, v any) error {
	s := strings.TrimSpace(reply)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return errors.New("postprocess: no JSON object in reply")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
