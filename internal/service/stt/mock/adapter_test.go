package mock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"realtime-transcribe-backend/internal/service/stt"
)

func testAudio(d time.Duration, seed int16) stt.Audio {
	n := int(d * 16000 / time.Second)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = seed + int16(i%50)
	}
	return stt.Audio{Samples: samples, SampleRate: 16000}
}

func TestAdapter_New(t *testing.T) {
	adapter := New()
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if adapter.Name() != "mock" {
		t.Errorf("expected name 'mock', got %s", adapter.Name())
	}
	if adapter.Calls() != 0 {
		t.Errorf("expected 0 calls, got %d", adapter.Calls())
	}
}

func TestAdapter_ProgressivePrefixes(t *testing.T) {
	adapter := New(WithUtterances("one two three four five"))

	tests := []struct {
		duration time.Duration
		expected string
	}{
		{100 * time.Millisecond, "one"},
		{300 * time.Millisecond, "one"},
		{600 * time.Millisecond, "one two"},
		{900 * time.Millisecond, "one two three"},
		{10 * time.Second, "one two three four five"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			res, err := adapter.Recognize(context.Background(), testAudio(tt.duration, 1), "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Text != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, res.Text)
			}
		})
	}
}

func TestAdapter_SameSegmentSameUtterance(t *testing.T) {
	adapter := New()

	short, _ := adapter.Recognize(context.Background(), testAudio(300*time.Millisecond, 7), "")
	long, _ := adapter.Recognize(context.Background(), testAudio(5*time.Second, 7), "")

	if !strings.HasPrefix(long.Text, short.Text) {
		t.Errorf("expected %q to extend %q", long.Text, short.Text)
	}
}

func TestAdapter_LanguageHint(t *testing.T) {
	adapter := New()

	res, _ := adapter.Recognize(context.Background(), testAudio(time.Second, 1), "ja-JP")
	if res.Language != "ja-JP" {
		t.Errorf("expected ja-JP, got %s", res.Language)
	}
	res, _ = adapter.Recognize(context.Background(), testAudio(time.Second, 1), "")
	if res.Language != "en-US" {
		t.Errorf("expected default en-US, got %s", res.Language)
	}
}

func TestAdapter_InjectedFailure(t *testing.T) {
	boom := errors.New("boom")
	adapter := New(WithFailure(func(call int64, _ stt.Audio) error {
		if call == 2 {
			return boom
		}
		return nil
	}))

	if _, err := adapter.Recognize(context.Background(), testAudio(time.Second, 1), ""); err != nil {
		t.Errorf("call 1: unexpected error: %v", err)
	}
	if _, err := adapter.Recognize(context.Background(), testAudio(time.Second, 1), ""); !errors.Is(err, boom) {
		t.Errorf("call 2: expected boom, got %v", err)
	}
	if adapter.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", adapter.Calls())
	}
}

func TestAdapter_LatencyRespectsContext(t *testing.T) {
	adapter := New(WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := adapter.Recognize(ctx, testAudio(time.Second, 1), "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("expected Recognize to return when the context expired")
	}
}

func TestAdapter_ConcurrentUse(t *testing.T) {
	adapter := New()
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(seed int16) {
			defer func() { done <- struct{}{} }()
			if _, err := adapter.Recognize(context.Background(), testAudio(time.Second, seed), ""); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(int16(i))
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	if adapter.Calls() != 20 {
		t.Errorf("expected 20 calls, got %d", adapter.Calls())
	}
}
