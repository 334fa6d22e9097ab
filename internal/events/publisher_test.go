package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/metrics"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func enabledPublisher(partial, final *fakeWriter, m *metrics.Metrics) *Publisher {
	return &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		principal:     "svc-test",
		topicPartial:  "test.partial",
		topicFinal:    "test.final",
		enabled:       true,
		metrics:       m,
	}
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
}

func TestNew_Enabled(t *testing.T) {
	p := New(&Config{Enabled: true, Brokers: []string{"localhost:9092"}, TopicPartial: "p", TopicFinal: "f"})
	defer p.Close()

	if !p.enabled {
		t.Error("expected publisher to be enabled")
	}
	if w, ok := p.writerFinal.(*kafka.Writer); !ok || w.Topic != "f" {
		t.Errorf("expected kafka writer for topic f, got %#v", p.writerFinal)
	}
}

func TestNewWriter_Async(t *testing.T) {
	w := newWriter([]string{"localhost:9092"}, "t", nil)
	defer w.Close()

	if !w.Async {
		t.Error("expected writer to be async so mirroring never blocks delivery")
	}
	if w.Completion == nil {
		t.Fatal("expected a completion callback")
	}
	// Completion must tolerate both outcomes.
	w.Completion([]kafka.Message{{Value: []byte("x")}}, nil)
	w.Completion([]kafka.Message{{Value: []byte("x")}}, errors.New("broker down"))
}

func TestPublishTranscript_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	for _, et := range []string{models.EventTypePartial, models.EventTypeFinal} {
		err := p.PublishTranscript(context.Background(), models.TranscriptEvent{EventType: et, Text: "x"})
		if err != nil {
			t.Errorf("%s: expected no error when disabled, got %v", et, err)
		}
	}
}

func TestPublishTranscript_UnknownType(t *testing.T) {
	p := New(&Config{Enabled: false})
	if err := p.PublishTranscript(context.Background(), models.TranscriptEvent{EventType: "bogus"}); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestPublishTranscript_RoutesByType(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := enabledPublisher(partial, final, metrics.NewMetrics(prometheus.NewRegistry()))

	ev := models.TranscriptEvent{
		EventType: models.EventTypeFinal,
		SessionID: "sess-1",
		SegmentID: 3,
		Text:      "hello world",
	}
	if err := p.PublishTranscript(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev.EventType = models.EventTypePartial
	if err := p.PublishTranscript(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(final.msgs) != 1 || len(partial.msgs) != 1 {
		t.Fatalf("expected one message per topic, got final=%d partial=%d", len(final.msgs), len(partial.msgs))
	}
	msg := final.msgs[0]
	if string(msg.Key) != "sess-1" {
		t.Errorf("expected key sess-1, got %s", msg.Key)
	}
	var got models.TranscriptEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SegmentID != 3 || got.Text != "hello world" {
		t.Errorf("unexpected payload %+v", got)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "final" || headers["principal"] != "svc-test" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestPublishTranscript_WriteError(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	boom := errors.New("broker down")
	p := enabledPublisher(&fakeWriter{}, &fakeWriter{err: boom}, m)

	err := p.PublishTranscript(context.Background(), models.TranscriptEvent{EventType: models.EventTypeFinal})
	if !errors.Is(err, boom) {
		t.Errorf("expected broker error, got %v", err)
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("test.final", "final")); got != 1 {
		t.Errorf("expected 1 publish error, got %v", got)
	}
}

func TestPublisher_Close(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := enabledPublisher(partial, final, metrics.NewMetrics(prometheus.NewRegistry()))

	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !partial.closed || !final.closed {
		t.Error("expected both writers closed")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
