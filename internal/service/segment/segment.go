// Package segment cuts a labelled frame stream into utterance segments and
// tracks the delivery lifecycle of each segment's transcript.
package segment

import (
	"fmt"
	"sync/atomic"
	"time"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/audio"
)

// Generator hands out a session's segment ids, starting at 1.
type Generator struct {
	counter uint64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}

// Last returns the most recently issued id, or 0.
func (g *Generator) Last() uint64 {
	return atomic.LoadUint64(&g.counter)
}

// Key formats a process-unique key for a session's segment.
func Key(sessionID string, segmentID uint64) string {
	return fmt.Sprintf("%s-seg-%d", sessionID, segmentID)
}

// Segment is a contiguous run of one session's frames judged to form one
// utterance, or a read-only interim view of the open one.
type Segment struct {
	SessionID string
	ID        uint64
	StartSeq  uint64
	EndSeq    uint64
	StartTime time.Time
	EndTime   time.Time
	Frames    []audio.AudioFrame

	// IsFinal is set on closed segments. Interim snapshots leave it false.
	IsFinal bool
	Reason  models.CloseReason
	// Generation increases with every snapshot of the same segment. A final
	// carries a generation above all of its interims.
	Generation uint64
	// TrailingSilence is the number of silence frames at the end.
	TrailingSilence int
}

// Duration returns the audio length of the segment.
func (s Segment) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Audio returns the segment samples with trailing silence trimmed to at most
// keep.
func (s Segment) Audio(keep time.Duration) []int16 {
	frames := s.Frames
	if s.TrailingSilence > 0 && len(frames) > 0 {
		keepFrames := s.TrailingSilence
		if d := frames[0].Duration; d > 0 {
			keepFrames = int((keep + d - 1) / d)
		}
		if drop := s.TrailingSilence - keepFrames; drop > 0 {
			frames = frames[:len(frames)-drop]
		}
	}
	return audio.Concat(frames)
}
