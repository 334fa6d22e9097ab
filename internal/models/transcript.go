// Package models defines the data structures shared by the pipeline, the
// client protocol and the event stream.
package models

import "time"

// Status distinguishes interim results from finals.
type Status string

const (
	StatusPartial Status = "partial"
	StatusFinal   Status = "final"
	// StatusUpdate carries only an Overlay for an already produced final.
	StatusUpdate Status = "update"
)

// CloseReason records why a segment was closed.
type CloseReason string

const (
	ReasonNone           CloseReason = ""
	ReasonEndOfUtterance CloseReason = "end_of_utterance"
	ReasonMaxDuration    CloseReason = "max_duration"
	ReasonStreamEnded    CloseReason = "stream_ended"
)

// Latency carries per-stage timings of one result.
type Latency struct {
	Queue       time.Duration `json:"queueMs"`
	Recognition time.Duration `json:"recognitionMs"`
	PostProcess time.Duration `json:"postProcessMs"`
}

// TranscriptResult is produced from one segment by the scheduler and flows to
// the emitter. Exactly one of Text or Err is meaningful.
type TranscriptResult struct {
	SessionID  string
	SegmentID  uint64
	Generation uint64
	Status     Status
	Text       string
	Language   string
	Reason     CloseReason
	Latency    Latency
	Err        error

	Overlay *Overlay
	// Pending is true when the final went out before the overlay finished and
	// an update will follow.
	Pending bool
}

// Overlay is the outcome of post-processing a final transcript.
type Overlay struct {
	Refined              string   `json:"refined,omitempty"`
	Translated           string   `json:"translated,omitempty"`
	RefineUnavailable    bool     `json:"refineUnavailable"`
	TranslateUnavailable bool     `json:"translateUnavailable"`
	KeywordMatch         bool     `json:"keywordMatch"`
	MatchedKeywords      []string `json:"matchedKeywords,omitempty"`
	// IsContinuation marks text judged to be the tail of the previous
	// sentence, cut off by a premature segment boundary. Refined then covers
	// both sentences.
	IsContinuation     bool   `json:"isContinuation"`
	ContinuationReason string `json:"continuationReason,omitempty"`
}

// TranscriptEvent is mirrored to Kafka for every delivered partial and final.
type TranscriptEvent struct {
	EventType  string   `json:"eventType"`
	SessionID  string   `json:"sessionId"`
	ClientID   string   `json:"clientId"`
	SegmentID  uint64   `json:"segmentId"`
	Text       string   `json:"text"`
	Language   string   `json:"language,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Refined    string   `json:"refined,omitempty"`
	Translated string   `json:"translated,omitempty"`
	Keywords   []string `json:"matchedKeywords,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

const (
	EventTypePartial = "transcript.partial"
	EventTypeFinal   = "transcript.final"
)
