package models

// Message types of the client protocol. Both transports carry the same JSON.
const (
	TypeStart  = "start"
	TypeStop   = "stop"
	TypeConfig = "config"

	TypeReady   = "ready"
	TypePartial = "partial"
	TypeFinal   = "final"
	TypeUpdate  = "update"
	TypeError   = "error"
	TypeClosed  = "closed"
)

// Audio encodings accepted in start.
const (
	EncodingPCM16LE = "pcm16le"
	EncodingOpus    = "opus"
)

// ControlMessage is any client to server JSON message. Fields not relevant to
// Type are ignored.
type ControlMessage struct {
	Type           string        `json:"type"`
	SampleRate     int           `json:"sampleRate,omitempty"`
	Channels       int           `json:"channels,omitempty"`
	Encoding       string        `json:"encoding,omitempty"`
	Language       string        `json:"language,omitempty"`
	TargetLanguage string        `json:"targetLanguage,omitempty"`
	Keywords       []string      `json:"keywords,omitempty"`
	Refine         *bool         `json:"refine,omitempty"`
	Context        *SceneContext `json:"context,omitempty"`
}

// StreamConfig is the session configuration negotiated by start and updated
// by config messages.
type StreamConfig struct {
	SampleRate     int           `json:"sampleRate"`
	Channels       int           `json:"channels"`
	Encoding       string        `json:"encoding"`
	Language       string        `json:"language,omitempty"`
	TargetLanguage string        `json:"targetLanguage,omitempty"`
	Keywords       []string      `json:"keywords,omitempty"`
	Refine         bool          `json:"refine"`
	Context        *SceneContext `json:"context,omitempty"`
}

// SceneContext describes the conversation so far, typically a summary the
// client fetched earlier. Refinement and translation use it as background.
type SceneContext struct {
	Scene     string   `json:"scene,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	KeyPoints []string `json:"keyPoints,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// ServerMessage is any server to client JSON message.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	SegmentID uint64 `json:"segmentId,omitempty"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	*Overlay
}

// PartialMessage builds partial{segmentId,text}.
func PartialMessage(r TranscriptResult) ServerMessage {
	return ServerMessage{Type: TypePartial, SegmentID: r.SegmentID, Text: r.Text}
}

// FinalMessage builds final{segmentId,text,translated?,refined?,reason}.
func FinalMessage(r TranscriptResult) ServerMessage {
	return ServerMessage{
		Type:      TypeFinal,
		SegmentID: r.SegmentID,
		Text:      r.Text,
		Language:  r.Language,
		Reason:    string(r.Reason),
		Pending:   r.Pending,
		Overlay:   r.Overlay,
	}
}

// UpdateMessage carries an overlay that completed after its final was sent.
func UpdateMessage(segmentID uint64, o *Overlay) ServerMessage {
	return ServerMessage{Type: TypeUpdate, SegmentID: segmentID, Overlay: o}
}

// ErrorMessage builds error{segmentId?,kind,message}.
func ErrorMessage(segmentID uint64, kind, msg string) ServerMessage {
	return ServerMessage{Type: TypeError, SegmentID: segmentID, Kind: kind, Message: msg}
}
