package segment

import (
	"sync"
	"testing"
	"time"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/service/audio"
	"realtime-transcribe-backend/internal/service/vad"
)

const frameDur = 20 * time.Millisecond

var (
	speech  = vad.Label{Speech: true, Confidence: 0.9}
	silence = vad.Label{Speech: false, Confidence: 0.1}
)

func testFrame(seq uint64) audio.AudioFrame {
	start := time.Unix(0, 0)
	return audio.AudioFrame{
		Seq:        seq,
		Samples:    make([]int16, 320),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  start.Add(time.Duration(seq) * frameDur),
		Duration:   frameDur,
	}
}

func newTestSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = frameDur
	}
	s, err := NewSegmenter("sess-1", nil, cfg)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return s
}

// run pushes a label pattern ('s' speech, '.' silence) and returns every
// segment produced, including the flushed one.
func run(s *Segmenter, pattern string) []Segment {
	var out []Segment
	for i, c := range pattern {
		l := silence
		if c == 's' {
			l = speech
		}
		out = append(out, s.Push(testFrame(uint64(i)), l)...)
	}
	if seg, ok := s.Flush(); ok {
		out = append(out, seg)
	}
	return out
}

func finals(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.IsFinal {
			out = append(out, s)
		}
	}
	return out
}

func TestGenerator_Next(t *testing.T) {
	gen := NewGenerator()

	if id := gen.Next(); id != 1 {
		t.Errorf("expected 1, got %d", id)
	}
	if id := gen.Next(); id != 2 {
		t.Errorf("expected 2, got %d", id)
	}
	if last := gen.Last(); last != 2 {
		t.Errorf("expected last 2, got %d", last)
	}
}

func TestGenerator_ThreadSafety(t *testing.T) {
	gen := NewGenerator()
	numGoroutines := 100
	resultsPerGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan uint64, numGoroutines*resultsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < resultsPerGoroutine; j++ {
				results <- gen.Next()
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("duplicate segment ID generated: %d", id)
		}
		seen[id] = true
	}

	expectedCount := numGoroutines * resultsPerGoroutine
	if len(seen) != expectedCount {
		t.Errorf("expected %d unique segment IDs, got %d", expectedCount, len(seen))
	}
}

func TestKey(t *testing.T) {
	if k := Key("abc", 7); k != "abc-seg-7" {
		t.Errorf("expected 'abc-seg-7', got %s", k)
	}
}

func TestNewSegmenter_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero frame duration", Config{EndOfUtteranceSilence: time.Second, MaxSegmentDuration: time.Second}},
		{"zero silence", Config{FrameDuration: frameDur, MaxSegmentDuration: time.Second}},
		{"max shorter than a frame", Config{FrameDuration: frameDur, EndOfUtteranceSilence: time.Second, MaxSegmentDuration: time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSegmenter("s", nil, tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSegmenter_EndOfUtterance(t *testing.T) {
	// 60ms silence at 20ms frames closes after exactly 3 silence frames.
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: 60 * time.Millisecond, MaxSegmentDuration: 10 * time.Second})

	var got []Segment
	for i, l := range []vad.Label{speech, speech, silence, silence} {
		got = append(got, s.Push(testFrame(uint64(i)), l)...)
	}
	if len(got) != 0 {
		t.Fatalf("expected no segment before threshold, got %d", len(got))
	}
	if s.State() != Trailing {
		t.Errorf("expected TRAILING, got %s", s.State())
	}

	got = s.Push(testFrame(4), silence)
	if len(got) != 1 {
		t.Fatalf("expected 1 segment at threshold, got %d", len(got))
	}
	seg := got[0]
	if !seg.IsFinal || seg.Reason != models.ReasonEndOfUtterance {
		t.Errorf("expected final end_of_utterance, got final=%v reason=%s", seg.IsFinal, seg.Reason)
	}
	if seg.ID != 1 {
		t.Errorf("expected id 1, got %d", seg.ID)
	}
	if seg.StartSeq != 0 || seg.EndSeq != 4 {
		t.Errorf("expected seq 0..4, got %d..%d", seg.StartSeq, seg.EndSeq)
	}
	if seg.TrailingSilence != 3 {
		t.Errorf("expected 3 trailing silence frames, got %d", seg.TrailingSilence)
	}
	if s.State() != Idle {
		t.Errorf("expected IDLE, got %s", s.State())
	}
}

func TestSegmenter_SilenceOneShortOfThreshold(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: 60 * time.Millisecond, MaxSegmentDuration: 10 * time.Second})

	segs := finals(run(s, "ss..ss..."))
	if len(segs) != 1 {
		t.Fatalf("expected the gap to be bridged into 1 segment, got %d", len(segs))
	}
	if len(segs[0].Frames) != 9 {
		t.Errorf("expected 9 frames, got %d", len(segs[0].Frames))
	}
}

func TestSegmenter_ThresholdRoundsUp(t *testing.T) {
	// 50ms at 20ms frames needs 3 silence frames.
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: 50 * time.Millisecond, MaxSegmentDuration: 10 * time.Second})

	segs := finals(run(s, "s..s..."))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Reason != models.ReasonEndOfUtterance {
		t.Errorf("expected end_of_utterance, got %s", segs[0].Reason)
	}
}

func TestSegmenter_LeadingSilenceIgnored(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: 40 * time.Millisecond, MaxSegmentDuration: 10 * time.Second})

	segs := finals(run(s, "....s.."))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].StartSeq != 4 {
		t.Errorf("expected segment to start at frame 4, got %d", segs[0].StartSeq)
	}
}

func TestSegmenter_MaxDurationSplit(t *testing.T) {
	// 100ms max at 20ms frames is 5 frames.
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: time.Second, MaxSegmentDuration: 100 * time.Millisecond})

	segs := finals(run(s, "ssssssssssss"))
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	wantLen := []int{5, 5, 2}
	wantReason := []models.CloseReason{models.ReasonMaxDuration, models.ReasonMaxDuration, models.ReasonStreamEnded}
	total := 0
	for i, seg := range segs {
		if len(seg.Frames) != wantLen[i] {
			t.Errorf("segment %d: expected %d frames, got %d", i, wantLen[i], len(seg.Frames))
		}
		if seg.Reason != wantReason[i] {
			t.Errorf("segment %d: expected %s, got %s", i, wantReason[i], seg.Reason)
		}
		if seg.ID != uint64(i+1) {
			t.Errorf("segment %d: expected id %d, got %d", i, i+1, seg.ID)
		}
		if seg.Duration() > 100*time.Millisecond {
			t.Errorf("segment %d: duration %v exceeds max", i, seg.Duration())
		}
		total += len(seg.Frames)
	}
	if total != 12 {
		t.Errorf("expected no frames lost, got %d of 12", total)
	}
}

func TestSegmenter_MaxDurationThenSilence(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: time.Second, MaxSegmentDuration: 100 * time.Millisecond})

	segs := finals(run(s, "sssss..."))
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Reason != models.ReasonMaxDuration {
		t.Errorf("expected max_duration, got %s", segs[0].Reason)
	}
}

func TestSegmenter_PartitionNoOverlap(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: 40 * time.Millisecond, MaxSegmentDuration: 120 * time.Millisecond})

	pattern := "..sss..ssssssssss.s...ss.s"
	segs := finals(run(s, pattern))
	if len(segs) == 0 {
		t.Fatal("expected segments")
	}

	var prevEnd uint64
	for i, seg := range segs {
		if i > 0 && seg.StartSeq <= prevEnd {
			t.Errorf("segment %d overlaps previous: start %d <= %d", i, seg.StartSeq, prevEnd)
		}
		if i > 0 && seg.ID <= segs[i-1].ID {
			t.Errorf("segment ids not increasing: %d after %d", seg.ID, segs[i-1].ID)
		}
		for j, f := range seg.Frames {
			if f.Seq != seg.StartSeq+uint64(j) {
				t.Errorf("segment %d not contiguous at frame %d", i, j)
			}
		}
		prevEnd = seg.EndSeq
	}
}

func TestSegmenter_Interims(t *testing.T) {
	s := newTestSegmenter(t, Config{
		EndOfUtteranceSilence: 40 * time.Millisecond,
		MaxSegmentDuration:    10 * time.Second,
		InterimEveryFrames:    2,
	})

	out := run(s, "sssss..")
	var interims []Segment
	for _, seg := range out {
		if !seg.IsFinal {
			interims = append(interims, seg)
		}
	}
	if len(interims) != 2 {
		t.Fatalf("expected 2 interims, got %d", len(interims))
	}
	if len(interims[0].Frames) != 2 || len(interims[1].Frames) != 4 {
		t.Errorf("expected interim sizes 2 and 4, got %d and %d", len(interims[0].Frames), len(interims[1].Frames))
	}
	if interims[0].Generation != 1 || interims[1].Generation != 2 {
		t.Errorf("expected generations 1 and 2, got %d and %d", interims[0].Generation, interims[1].Generation)
	}

	final := out[len(out)-1]
	if !final.IsFinal {
		t.Fatal("expected the last output to be the final")
	}
	if final.Generation <= interims[1].Generation {
		t.Errorf("expected final generation above %d, got %d", interims[1].Generation, final.Generation)
	}
	if final.ID != interims[0].ID {
		t.Errorf("expected interims and final to share id %d, got %d", final.ID, interims[0].ID)
	}
}

func TestSegmenter_InterimSnapshotImmutable(t *testing.T) {
	s := newTestSegmenter(t, Config{
		EndOfUtteranceSilence: time.Second,
		MaxSegmentDuration:    10 * time.Second,
		InterimEveryFrames:    2,
	})

	s.Push(testFrame(0), speech)
	out := s.Push(testFrame(1), speech)
	if len(out) != 1 {
		t.Fatalf("expected 1 interim, got %d", len(out))
	}
	snap := out[0]
	s.Push(testFrame(2), speech)
	s.Push(testFrame(3), speech)

	if len(snap.Frames) != 2 || snap.EndSeq != 1 {
		t.Errorf("snapshot changed: %d frames, end %d", len(snap.Frames), snap.EndSeq)
	}
	if cap(snap.Frames) != 2 {
		t.Errorf("expected capped snapshot, got cap %d", cap(snap.Frames))
	}
}

func TestSegmenter_FlushIdle(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: time.Second, MaxSegmentDuration: time.Second})
	s.Push(testFrame(0), silence)
	if _, ok := s.Flush(); ok {
		t.Error("expected nothing to flush")
	}
}

func TestSegmenter_FlushStreamEnded(t *testing.T) {
	s := newTestSegmenter(t, Config{EndOfUtteranceSilence: time.Second, MaxSegmentDuration: time.Second})
	s.Push(testFrame(0), speech)
	s.Push(testFrame(1), silence)

	seg, ok := s.Flush()
	if !ok {
		t.Fatal("expected a flushed segment")
	}
	if seg.Reason != models.ReasonStreamEnded {
		t.Errorf("expected stream_ended, got %s", seg.Reason)
	}
	if s.OpenID() != 0 {
		t.Errorf("expected no open segment, got %d", s.OpenID())
	}
}

func TestSegment_AudioTrim(t *testing.T) {
	tests := []struct {
		name     string
		keep     time.Duration
		expected int
	}{
		{"drop all trailing silence", 0, 2 * 320},
		{"keep one frame", 20 * time.Millisecond, 3 * 320},
		{"round partial frame up", 30 * time.Millisecond, 4 * 320},
		{"keep more than present", time.Second, 5 * 320},
	}
	seg := Segment{TrailingSilence: 3}
	for i := 0; i < 5; i++ {
		seg.Frames = append(seg.Frames, testFrame(uint64(i)))
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(seg.Audio(tt.keep)); got != tt.expected {
				t.Errorf("expected %d samples, got %d", tt.expected, got)
			}
		})
	}
}
