package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/tracing"
	"realtime-transcribe-backend/internal/service/postprocess"
	"realtime-transcribe-backend/internal/service/scheduler"
	"realtime-transcribe-backend/internal/service/segment"
	"realtime-transcribe-backend/internal/service/stt"
)

// submit queues recognition of seg. Every final submitted gets exactly one
// result in the emitter, a transcript or a segment error, so ordering never
// stalls. It returns an error only when the scheduler is saturated.
//
// Must be called with s.mu held.
func (s *Session) submit(seg segment.Segment) error {
	prio := scheduler.PriorityInterim
	if seg.IsFinal {
		prio = scheduler.PriorityFinal
		s.deps.Metrics.RecordSegmentClosed(string(seg.Reason), seg.Duration().Seconds())
		s.logger.Debug().
			Uint64("segmentId", seg.ID).
			Str("reason", string(seg.Reason)).
			Int("frames", len(seg.Frames)).
			Dur("duration", seg.Duration()).
			Msg("Segment closed")
	} else {
		s.deps.Metrics.RecordInterim()
	}

	pcm := seg.Audio(s.cfg.TrailingSilenceKeep)
	submitted := time.Now()

	s.jobs.Add(1)
	err := s.deps.Scheduler.Submit(scheduler.Job{
		Key:        scheduler.Key{SessionID: s.id, SegmentID: seg.ID},
		Priority:   prio,
		Generation: seg.Generation,
		Run: func(ctx context.Context) {
			defer s.jobs.Done()
			s.recognize(ctx, seg, pcm, time.Since(submitted))
		},
		Dropped: func(reason error) {
			defer s.jobs.Done()
			if seg.IsFinal {
				s.deliver(s.failed(seg, reason))
			}
		},
	})
	if err == nil {
		return nil
	}
	s.jobs.Done()

	if !seg.IsFinal {
		s.logger.Debug().Err(err).Uint64("segmentId", seg.ID).Uint64("generation", seg.Generation).Msg("Interim not queued")
		return nil
	}
	s.deliver(s.failed(seg, err))
	if errors.Is(err, scheduler.ErrSaturated) {
		return errs.Wrap(err, errs.KindResourceExhausted)
	}
	return nil
}

func (s *Session) failed(seg segment.Segment, err error) models.TranscriptResult {
	return models.TranscriptResult{
		SessionID:  s.id,
		SegmentID:  seg.ID,
		Generation: seg.Generation,
		Status:     models.StatusFinal,
		Reason:     seg.Reason,
		Err:        errs.ForSegment(err, errs.KindSegmentRecognition, seg.ID),
	}
}

// recognize runs on a scheduler worker. A panic still resolves a final as a
// segment error so later finals are not held behind it.
func (s *Session) recognize(ctx context.Context, seg segment.Segment, pcm []int16, queued time.Duration) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		s.logger.Error().
			Interface("panic", p).
			Uint64("segmentId", seg.ID).
			Bool("final", seg.IsFinal).
			Msg("Recognition panicked")
		if seg.IsFinal {
			s.deliver(s.failed(seg, fmt.Errorf("recognizer panic: %v", p)))
		}
	}()

	stream := s.streamConfig()
	lang := stream.Language
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	kind := "interim"
	if seg.IsFinal {
		kind = "final"
	}
	rec := s.deps.Recognizer

	ctx, span := tracing.StartSpan(ctx, "stt.recognize",
		attribute.String("session.id", s.id),
		attribute.Int64("segment.id", int64(seg.ID)),
		attribute.Int64("segment.generation", int64(seg.Generation)),
		attribute.String("stt.provider", rec.Name()),
		attribute.String("stt.kind", kind),
	)
	defer span.End()
	start := time.Now()
	res, err := rec.Recognize(ctx, stt.Audio{Samples: pcm, SampleRate: s.cfg.PipelineSampleRate}, lang)
	elapsed := time.Since(start)
	s.deps.Metrics.RecordSTTLatency(rec.Name(), kind, elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recognition failed")
		s.deps.Metrics.RecordSTTError(rec.Name(), errorType(err))
		if !seg.IsFinal {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("recognition timed out after %v: %w", elapsed.Round(time.Millisecond), err)
		}
		logger := tracing.Logger(ctx, s.logger)
		logger.Warn().
			Err(err).
			Uint64("segmentId", seg.ID).
			Str("provider", rec.Name()).
			Msg("Recognition failed")
		s.deliver(s.failed(seg, err))
		return
	}

	r := models.TranscriptResult{
		SessionID:  s.id,
		SegmentID:  seg.ID,
		Generation: seg.Generation,
		Status:     models.StatusPartial,
		Text:       res.Text,
		Language:   res.Language,
		Reason:     seg.Reason,
		Latency:    models.Latency{Queue: queued, Recognition: elapsed},
	}
	if r.Language == "" {
		r.Language = lang
	}
	if seg.IsFinal {
		r.Status = models.StatusFinal
		s.overlay(ctx, &r, stream)
	}
	s.deliver(r)
}

// overlay attaches post-processing to a final. When the overlay misses the
// bounded wait the final goes out pending and an update follows.
func (s *Session) overlay(ctx context.Context, r *models.TranscriptResult, stream models.StreamConfig) {
	req := postprocess.Request{
		SessionID:      s.id,
		SegmentID:      r.SegmentID,
		Text:           r.Text,
		Language:       r.Language,
		TargetLanguage: stream.TargetLanguage,
		Keywords:       stream.Keywords,
		Refine:         stream.Refine,
		History:        s.history.Snapshot(),
		Scene:          stream.Context,
	}
	s.history.Add(r.Text)
	if s.deps.PostProcess == nil || r.Text == "" {
		return
	}

	start := time.Now()
	segmentID := r.SegmentID
	s.jobs.Add(1)
	ov, pending := s.deps.PostProcess.Apply(ctx, req, func(o models.Overlay) {
		defer s.jobs.Done()
		s.deliver(models.TranscriptResult{
			SessionID: s.id,
			SegmentID: segmentID,
			Status:    models.StatusUpdate,
			Overlay:   &o,
		})
	})
	r.Latency.PostProcess = time.Since(start)
	if pending {
		r.Pending = true
		return
	}
	s.jobs.Done()
	r.Overlay = ov
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, stt.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, stt.ErrAllFailed):
		return "all_failed"
	default:
		return "error"
	}
}
