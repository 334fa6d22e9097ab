// Transcript viewer tails the partial and final transcript topics and prints
// each event as it arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"realtime-transcribe-backend/internal/events"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/logging"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", "transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "transcript.final", "Final transcript topic")
	since := flag.Duration("since", time.Hour, "Replay events newer than this")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.Kitchen, Service: "transcript-viewer"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	show := func(ev models.TranscriptEvent) {
		e := logger.Info().
			Str("session", ev.SessionID).
			Uint64("segment", ev.SegmentID)
		if ev.Translated != "" {
			e = e.Str("translated", ev.Translated)
		}
		if len(ev.Keywords) > 0 {
			e = e.Strs("keywords", ev.Keywords)
		}
		e.Msgf("%-18s %s", ev.EventType, ev.Text)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range []string{*topicPartial, *topicFinal} {
		c, err := events.NewConsumer(ctx, events.ConsumerConfig{
			Brokers: strings.Split(*brokers, ","),
			Topic:   topic,
			Since:   *since,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("topic", topic).Msg("Failed to create consumer")
		}
		defer c.Close()

		logger.Info().Str("topic", topic).Msg("Consuming")
		g.Go(func() error { return c.Run(ctx, show) })
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Consumer stopped")
	}
}
