package segment

import (
	"fmt"
	"time"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/audio"
	"realtime-transcribe-backend/internal/service/vad"
)

// FSMState is the segmenter's state.
type FSMState int

const (
	// Idle - no open segment.
	Idle FSMState = iota
	// Accumulating - open segment, last frame was speech.
	Accumulating
	// Trailing - open segment, counting trailing silence.
	Trailing
)

func (s FSMState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Accumulating:
		return "ACCUMULATING"
	case Trailing:
		return "TRAILING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config holds the segmentation thresholds.
type Config struct {
	FrameDuration         time.Duration
	EndOfUtteranceSilence time.Duration
	MaxSegmentDuration    time.Duration
	// InterimEveryFrames emits an interim snapshot every that many speech
	// frames of the open segment. Zero disables interims.
	InterimEveryFrames int
}

// Segmenter turns one session's labelled frames into segments. It is owned by
// the session's receive loop and must not be shared.
type Segmenter struct {
	sessionID     string
	ids           *Generator
	silenceFrames int
	maxFrames     int
	interimEvery  int

	state        FSMState
	open         *Segment
	speechFrames int
	silenceRun   int
	generation   uint64
}

// NewSegmenter converts the durations in cfg to frame counts. The silence
// threshold rounds up and the max duration rounds down, so a segment never
// exceeds MaxSegmentDuration.
func NewSegmenter(sessionID string, ids *Generator, cfg Config) (*Segmenter, error) {
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("segmenter: frame duration must be positive")
	}
	silence := int((cfg.EndOfUtteranceSilence + cfg.FrameDuration - 1) / cfg.FrameDuration)
	maxFrames := int(cfg.MaxSegmentDuration / cfg.FrameDuration)
	if silence < 1 || maxFrames < 1 {
		return nil, fmt.Errorf("segmenter: thresholds shorter than one frame (silence=%v max=%v frame=%v)",
			cfg.EndOfUtteranceSilence, cfg.MaxSegmentDuration, cfg.FrameDuration)
	}
	if ids == nil {
		ids = NewGenerator()
	}
	return &Segmenter{
		sessionID:     sessionID,
		ids:           ids,
		silenceFrames: silence,
		maxFrames:     maxFrames,
		interimEvery:  cfg.InterimEveryFrames,
	}, nil
}

// State returns the current FSM state.
func (s *Segmenter) State() FSMState {
	return s.state
}

// OpenID returns the id of the open segment, or 0 when Idle.
func (s *Segmenter) OpenID() uint64 {
	if s.open == nil {
		return 0
	}
	return s.open.ID
}

// Push consumes one frame and its label. It returns, in order, any segment
// closed by this frame and any interim snapshot it triggered.
func (s *Segmenter) Push(f audio.AudioFrame, label vad.Label) []Segment {
	var out []Segment

	// Force close before the frame that would push the segment past max.
	if s.open != nil && len(s.open.Frames) >= s.maxFrames {
		out = append(out, s.close(models.ReasonMaxDuration))
	}

	switch s.state {
	case Idle:
		if !label.Speech {
			return out
		}
		s.openWith(f)
		s.speechFrames = 1
		s.state = Accumulating
		out = s.maybeInterim(out)

	case Accumulating, Trailing:
		s.open.Frames = append(s.open.Frames, f)
		if label.Speech {
			s.silenceRun = 0
			s.speechFrames++
			s.state = Accumulating
			out = s.maybeInterim(out)
			break
		}
		s.silenceRun++
		s.state = Trailing
		if s.silenceRun >= s.silenceFrames {
			out = append(out, s.close(models.ReasonEndOfUtterance))
		}
	}
	return out
}

// Flush force-closes the open segment at stream end. It returns false when
// there was nothing open.
func (s *Segmenter) Flush() (Segment, bool) {
	if s.open == nil {
		return Segment{}, false
	}
	return s.close(models.ReasonStreamEnded), true
}

func (s *Segmenter) openWith(f audio.AudioFrame) {
	s.open = &Segment{
		SessionID: s.sessionID,
		ID:        s.ids.Next(),
		Frames:    []audio.AudioFrame{f},
	}
	s.generation = 0
	s.silenceRun = 0
}

func (s *Segmenter) maybeInterim(out []Segment) []Segment {
	if s.interimEvery <= 0 || s.speechFrames%s.interimEvery != 0 {
		return out
	}
	s.generation++
	snap := s.snapshot()
	snap.Generation = s.generation
	return append(out, snap)
}

// snapshot returns a view of the open segment. The frames slice is capped so
// later appends never touch the snapshot's elements.
func (s *Segmenter) snapshot() Segment {
	seg := *s.open
	n := len(seg.Frames)
	seg.Frames = seg.Frames[:n:n]
	first, last := seg.Frames[0], seg.Frames[n-1]
	seg.StartSeq = first.Seq
	seg.EndSeq = last.Seq
	seg.StartTime = first.Timestamp
	seg.EndTime = last.Timestamp.Add(last.Duration)
	seg.TrailingSilence = s.silenceRun
	return seg
}

func (s *Segmenter) close(reason models.CloseReason) Segment {
	seg := s.snapshot()
	seg.IsFinal = true
	seg.Reason = reason
	seg.Generation = s.generation + 1

	s.open = nil
	s.state = Idle
	s.speechFrames = 0
	s.silenceRun = 0
	s.generation = 0
	return seg
}
