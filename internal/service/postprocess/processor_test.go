package postprocess

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/metrics"
)

type fakeLLM struct {
	complete func(ctx context.Context, system, prompt string) (string, error)
	calls    atomic.Int64
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.calls.Add(1)
	return f.complete(ctx, system, prompt)
}

// scripted answers refine and translate prompts with fixed JSON.
func scripted(refined, translation string) *fakeLLM {
	return &fakeLLM{complete: func(_ context.Context, system, _ string) (string, error) {
		if system == translateSystem {
			return `{"translation": "` + translation + `"}`, nil
		}
		return "```json\n{\"refined_text\": \"" + refined + "\", \"is_keyword_match\": false}\n```", nil
	}}
}

func newTestProcessor(llm LLM, wait time.Duration) *Processor {
	return New(llm, Config{
		Wait:          wait,
		Timeout:       time.Second,
		MaxConcurrent: 2,
		Metrics:       metrics.NewMetrics(prometheus.NewRegistry()),
	})
}

func TestProcessRefineAndTranslate(t *testing.T) {
	p := newTestProcessor(scripted("Hello, world.", "Bonjour"), time.Second)

	ov := p.Process(context.Background(), Request{
		SegmentID:      1,
		Text:           "hello world",
		Language:       "en",
		TargetLanguage: "fr",
		Refine:         true,
	})

	if ov.Refined != "Hello, world." {
		t.Errorf("expected refined text, got %q", ov.Refined)
	}
	if ov.Translated != "Bonjour" {
		t.Errorf("expected translation, got %q", ov.Translated)
	}
	if ov.RefineUnavailable || ov.TranslateUnavailable {
		t.Errorf("expected no unavailable flags, got %+v", ov)
	}
}

func TestProcessAlwaysFailing(t *testing.T) {
	p := newTestProcessor(Noop{}, 200*time.Millisecond)

	start := time.Now()
	ov, pending := p.Apply(context.Background(), Request{
		SegmentID:      4,
		Text:           "the original text",
		TargetLanguage: "ja",
		Refine:         true,
	}, func(models.Overlay) { t.Error("late overlay not expected") })

	if pending {
		t.Fatal("expected overlay within the wait")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Errorf("expected result within the bounded wait, took %v", time.Since(start))
	}
	if !ov.RefineUnavailable || !ov.TranslateUnavailable {
		t.Errorf("expected both unavailable flags, got %+v", ov)
	}
	if ov.Refined != "" || ov.Translated != "" {
		t.Errorf("expected no overlay text, got %+v", ov)
	}
}

func TestProcessSkipsLLMWhenNotRequested(t *testing.T) {
	llm := scripted("x", "y")
	p := newTestProcessor(llm, time.Second)

	ov := p.Process(context.Background(), Request{Text: "call Alice now", Keywords: []string{"alice"}})

	if llm.calls.Load() != 0 {
		t.Errorf("expected no LLM calls, got %d", llm.calls.Load())
	}
	if !ov.KeywordMatch || len(ov.MatchedKeywords) != 1 {
		t.Errorf("expected keyword match, got %+v", ov)
	}
}

func TestProcessUnparseableReply(t *testing.T) {
	llm := &fakeLLM{complete: func(context.Context, string, string) (string, error) {
		return "Sure! Here is the cleaned text.", nil
	}}
	p := newTestProcessor(llm, time.Second)

	ov := p.Process(context.Background(), Request{Text: "hello", Refine: true})

	if !ov.RefineUnavailable {
		t.Error("expected refineUnavailable for unparseable reply")
	}
	if ov.Refined != "" {
		t.Errorf("expected no refined text, got %q", ov.Refined)
	}
}

func TestProcessMergesModelKeywords(t *testing.T) {
	llm := &fakeLLM{complete: func(context.Context, string, string) (string, error) {
		return `{"refined_text": "Ask Bob about Kubernetes", "is_keyword_match": true, "matched_keywords": ["kubernetes", "invented"]}`, nil
	}}
	p := newTestProcessor(llm, time.Second)

	ov := p.Process(context.Background(), Request{
		Text:     "ask bob about cooper nettie",
		Keywords: []string{"Bob", "Kubernetes"},
		Refine:   true,
	})

	want := []string{"Bob", "Kubernetes"}
	if len(ov.MatchedKeywords) != len(want) {
		t.Fatalf("expected %v, got %v", want, ov.MatchedKeywords)
	}
	for i := range want {
		if ov.MatchedKeywords[i] != want[i] {
			t.Errorf("expected %v, got %v", want, ov.MatchedKeywords)
		}
	}
}

func TestProcessContinuation(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	llm := &fakeLLM{complete: func(_ context.Context, system, prompt string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		if system == translateSystem {
			return `{"translation": "Quiero cancelar mi suscripción"}`, nil
		}
		return `{"refined_text": "I want to cancel my subscription.", "is_continuation": true, "continuation_reason": "sentence was cut after 'cancel'"}`, nil
	}}
	p := newTestProcessor(llm, time.Second)

	tests := []struct {
		name       string
		history    []string
		continued  bool
		wantReason bool
	}{
		{"follows a cut sentence", []string{"Hello", "I want to cancel"}, true, true},
		{"no history", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ov := p.Process(context.Background(), Request{
				Text:    "my subscription",
				History: tt.history,
				Refine:  true,
			})
			if ov.IsContinuation != tt.continued {
				t.Errorf("expected continuation %v, got %v", tt.continued, ov.IsContinuation)
			}
			if (ov.ContinuationReason != "") != tt.wantReason {
				t.Errorf("expected reason present %v, got %q", tt.wantReason, ov.ContinuationReason)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(prompts[0], `"I want to cancel"`) {
		t.Errorf("expected last sentence quoted in prompt, got %s", prompts[0])
	}
}

func TestProcessSceneContextInPrompts(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	llm := &fakeLLM{complete: func(_ context.Context, system, prompt string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		if system == translateSystem {
			return `{"translation": "Hola"}`, nil
		}
		return `{"refined_text": "Hello."}`, nil
	}}
	p := newTestProcessor(llm, time.Second)

	ov := p.Process(context.Background(), Request{
		Text:           "hello",
		Refine:         true,
		TargetLanguage: "es",
		Scene: &models.SceneContext{
			Scene:     "support call",
			Topic:     "billing",
			KeyPoints: []string{"double charge"},
		},
	})
	if ov.RefineUnavailable || ov.TranslateUnavailable {
		t.Fatalf("expected both stages to succeed, got %+v", ov)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
	for _, pr := range prompts {
		if !strings.Contains(pr, "Topic: billing") || !strings.Contains(pr, "Key points: double charge") {
			t.Errorf("expected scene context in prompt, got %s", pr)
		}
	}
}

func TestApplyLateOverlay(t *testing.T) {
	release := make(chan struct{})
	llm := &fakeLLM{complete: func(ctx context.Context, _, _ string) (string, error) {
		<-release
		return `{"translation": "hola"}`, nil
	}}
	p := newTestProcessor(llm, 20*time.Millisecond)

	late := make(chan models.Overlay, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ov, pending := p.Apply(ctx, Request{Text: "hello", TargetLanguage: "es"}, func(o models.Overlay) { late <- o })
	// The job context ends with the final; the overlay must survive it.
	cancel()

	if !pending || ov != nil {
		t.Fatalf("expected pending overlay, got %+v pending=%v", ov, pending)
	}
	close(release)

	select {
	case o := <-late:
		if o.Translated != "hola" {
			t.Errorf("expected late translation, got %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("late overlay not delivered")
	}
}

func TestProcessTimeout(t *testing.T) {
	llm := &fakeLLM{complete: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p := New(llm, Config{Timeout: 30 * time.Millisecond, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})

	ov := p.Process(context.Background(), Request{Text: "hello", Refine: true})
	if !ov.RefineUnavailable {
		t.Error("expected refineUnavailable after timeout")
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	llm := &fakeLLM{complete: func(context.Context, string, string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return `{"refined_text": "ok"}`, nil
	}}
	p := newTestProcessor(llm, time.Second)

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			p.Process(context.Background(), Request{Text: "hi", Refine: true})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent overlays, got %d", peak.Load())
	}
}

func TestSummarize(t *testing.T) {
	llm := &fakeLLM{complete: func(context.Context, string, string) (string, error) {
		return `{"scene": "meeting", "topic": "budget", "key_points": ["cut costs"], "summary": "They discussed the budget."}`, nil
	}}
	p := newTestProcessor(llm, time.Second)

	s := p.Summarize(context.Background(), []SummaryItem{{Text: "we need to cut costs"}, {Text: "agreed"}}, "en")
	if s.Fallback {
		t.Fatal("expected LLM summary")
	}
	if s.Scene != "meeting" || s.Topic != "budget" || len(s.KeyPoints) != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestSummarizeFallback(t *testing.T) {
	failing := &fakeLLM{complete: func(context.Context, string, string) (string, error) {
		return "", errors.New("quota exceeded")
	}}

	tests := []struct {
		name  string
		llm   LLM
		items []SummaryItem
	}{
		{"single item", scripted("", ""), []SummaryItem{{Text: "just one"}}},
		{"blank items", scripted("", ""), []SummaryItem{{Text: " "}, {Text: "only this"}}},
		{"llm failure", failing, []SummaryItem{{Text: "first"}, {Text: "second"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(tt.llm, time.Second)
			a := p.Summarize(context.Background(), tt.items, "")
			b := p.Summarize(context.Background(), tt.items, "")
			if !a.Fallback {
				t.Fatal("expected fallback summary")
			}
			if a.Summary != b.Summary || a.Topic != b.Topic {
				t.Errorf("expected deterministic fallback, got %+v and %+v", a, b)
			}
			if len(a.KeyPoints) == 0 {
				t.Error("expected key points from the items")
			}
		})
	}
}

func TestSummarizeEmpty(t *testing.T) {
	p := newTestProcessor(Noop{}, time.Second)
	s := p.Summarize(context.Background(), nil, "")
	if !s.Fallback || s.Summary == "" {
		t.Errorf("expected fallback summary, got %+v", s)
	}
	if s.KeyPoints == nil {
		t.Error("expected empty, non-nil key points")
	}
}
