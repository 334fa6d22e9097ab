package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"realtime-transcribe-backend/internal/models"
)

// fakeReader replays msgs, then blocks until the context ends.
type fakeReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestConsumerRun(t *testing.T) {
	final, _ := json.Marshal(models.TranscriptEvent{EventType: models.EventTypeFinal, SessionID: "s1", SegmentID: 2, Text: "hello"})
	r := &fakeReader{
		errs: []error{errors.New("broker unavailable")},
		msgs: []kafka.Message{
			{Value: []byte("not json")},
			{Value: final},
		},
	}
	c := newConsumer(r, ConsumerConfig{Topic: "test.final", RetryDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan models.TranscriptEvent, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx, func(ev models.TranscriptEvent) { got <- ev })
	}()

	select {
	case ev := <-got:
		if ev.SegmentID != 2 || ev.Text != "hello" {
			t.Errorf("expected segment 2 hello, got %d %q", ev.SegmentID, ev.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event")
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("expected nil after cancel, got %v", err)
	}
	_ = c.Close()
	if !r.closed {
		t.Error("expected reader closed")
	}
}

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(context.Background(), ConsumerConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewConsumer(context.Background(), ConsumerConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
}
