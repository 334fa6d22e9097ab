package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"realtime-transcribe-backend/internal/models"
)

// messageReader is the subset of *kafka.Reader used by Consumer.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerConfig selects the topic to tail.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// Since rewinds the reader to messages newer than now minus Since. Zero
	// starts from the latest offset.
	Since time.Duration
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

// Consumer reads transcript events mirrored by Publisher. It reads partition 0
// without a consumer group, which is enough for inspection tools.
type Consumer struct {
	reader     messageReader
	topic      string
	retryDelay time.Duration
}

// NewConsumer creates a consumer for cfg.Topic.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("events: consumer needs brokers and a topic")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if cfg.Since > 0 {
		if err := r.SetOffsetAt(ctx, time.Now().Add(-cfg.Since)); err != nil {
			_ = r.Close()
			return nil, err
		}
	} else if err := r.SetOffset(kafka.LastOffset); err != nil {
		_ = r.Close()
		return nil, err
	}
	return newConsumer(r, cfg), nil
}

func newConsumer(r messageReader, cfg ConsumerConfig) *Consumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Consumer{reader: r, topic: cfg.Topic, retryDelay: cfg.RetryDelay}
}

// Run calls handle for every decodable event until ctx is done. Undecodable
// messages are skipped; read errors are retried after RetryDelay.
func (c *Consumer) Run(ctx context.Context, handle func(models.TranscriptEvent)) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", c.topic).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		var ev models.TranscriptEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Str("topic", c.topic).Int64("offset", msg.Offset).Msg("Skipping undecodable event")
			continue
		}
		handle(ev)
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
