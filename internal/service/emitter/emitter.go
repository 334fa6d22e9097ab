// Package emitter delivers one session's results to its client in segment
// order. Partials bypass ordering; finals and segment errors are released
// strictly by segment id.
package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcribe-backend/internal/errs"
	"realtime-transcribe-backend/internal/events"
	"realtime-transcribe-backend/internal/models"
	"realtime-transcribe-backend/internal/observability/logging"
	"realtime-transcribe-backend/internal/observability/metrics"
	"realtime-transcribe-backend/internal/service/segment"
)

// Sink receives the messages for one client connection.
type Sink interface {
	Send(msg models.ServerMessage) error
}

// Config configures an Emitter.
type Config struct {
	SessionID string
	ClientID  string
	// Publisher mirrors every delivered partial and final. Optional.
	Publisher events.TranscriptPublisher
	Metrics   *metrics.Metrics
}

// Emitter is owned by the session's emitter goroutine and is not safe for
// concurrent use.
type Emitter struct {
	sink      Sink
	sessionID string
	clientID  string
	publisher events.TranscriptPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	next       uint64
	buffer     map[uint64]models.TranscriptResult
	lifecycles map[uint64]*segment.Lifecycle
	early      map[uint64]*models.Overlay
	sinkErr    error

	delivered uint64
}

// New creates an emitter expecting segment 1 first.
func New(sink Sink, cfg Config) *Emitter {
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Emitter{
		sink:       sink,
		sessionID:  cfg.SessionID,
		clientID:   cfg.ClientID,
		publisher:  cfg.Publisher,
		metrics:    m,
		logger:     logging.WithSession(cfg.SessionID, cfg.ClientID),
		next:       1,
		buffer:     make(map[uint64]models.TranscriptResult),
		lifecycles: make(map[uint64]*segment.Lifecycle),
		early:      make(map[uint64]*models.Overlay),
	}
}

// Run drains in until it is closed. It returns the first sink error; results
// arriving after a sink failure are discarded so producers never block.
func (e *Emitter) Run(ctx context.Context, in <-chan models.TranscriptResult) error {
	for r := range in {
		e.Deliver(ctx, r)
	}
	return e.sinkErr
}

// Deliver routes one result.
func (e *Emitter) Deliver(ctx context.Context, r models.TranscriptResult) {
	switch {
	case r.Err != nil || r.Status == models.StatusFinal:
		e.enqueueFinal(ctx, r)
	case r.Status == models.StatusPartial:
		e.deliverPartial(ctx, r)
	case r.Status == models.StatusUpdate:
		e.deliverUpdate(r)
	default:
		e.logger.Warn().Str("status", string(r.Status)).Msg("Dropping result with unknown status")
	}
}

// NextExpected returns the id of the next final to be released.
func (e *Emitter) NextExpected() uint64 {
	return e.next
}

// Buffered returns how many finals wait for an earlier segment.
func (e *Emitter) Buffered() int {
	return len(e.buffer)
}

// Delivered returns how many finals and segment errors went out.
func (e *Emitter) Delivered() uint64 {
	return e.delivered
}

func (e *Emitter) lifecycle(id uint64) *segment.Lifecycle {
	lc, ok := e.lifecycles[id]
	if !ok {
		lc = segment.NewLifecycle(id)
		e.lifecycles[id] = lc
	}
	return lc
}

func (e *Emitter) deliverPartial(ctx context.Context, r models.TranscriptResult) {
	if r.SegmentID < e.next {
		if _, ok := e.lifecycles[r.SegmentID]; !ok {
			return
		}
	}
	if _, buffered := e.buffer[r.SegmentID]; buffered {
		return
	}
	if err := e.lifecycle(r.SegmentID).EmitPartial(r.Generation); err != nil {
		e.logger.Debug().
			Err(err).
			Uint64("segmentId", r.SegmentID).
			Uint64("generation", r.Generation).
			Msg("Partial not delivered")
		return
	}
	if r.Text == "" {
		return
	}
	if e.send(models.PartialMessage(r)) {
		e.metrics.RecordPartialTranscript()
		e.mirror(ctx, models.EventTypePartial, r)
	}
}

func (e *Emitter) enqueueFinal(ctx context.Context, r models.TranscriptResult) {
	if r.SegmentID < e.next {
		e.logger.Warn().Uint64("segmentId", r.SegmentID).Msg("Duplicate final dropped")
		return
	}
	if _, dup := e.buffer[r.SegmentID]; dup {
		e.logger.Warn().Uint64("segmentId", r.SegmentID).Msg("Duplicate final dropped")
		return
	}
	if ov, ok := e.early[r.SegmentID]; ok {
		delete(e.early, r.SegmentID)
		if r.Err == nil && r.Pending {
			r.Overlay = ov
			r.Pending = false
		}
	}
	e.buffer[r.SegmentID] = r

	for {
		next, ok := e.buffer[e.next]
		if !ok {
			break
		}
		delete(e.buffer, e.next)
		e.release(ctx, next)
		e.next++
	}
	if len(e.buffer) > 0 {
		e.logger.Debug().
			Uint64("waitingFor", e.next).
			Int("buffered", len(e.buffer)).
			Msg("Finals buffered out of order")
	}
}

func (e *Emitter) release(ctx context.Context, r models.TranscriptResult) {
	lc := e.lifecycle(r.SegmentID)
	e.delivered++

	if r.Err != nil {
		lc.Drop()
		delete(e.lifecycles, r.SegmentID)
		kind := errs.KindOf(r.Err)
		if kind == errs.KindUnknown {
			kind = errs.KindSegmentRecognition
		}
		e.metrics.RecordTranscriptError(string(kind))
		e.logger.Warn().Err(r.Err).Uint64("segmentId", r.SegmentID).Msg("Segment failed")
		e.send(models.ErrorMessage(r.SegmentID, string(kind), r.Err.Error()))
		return
	}

	if err := lc.EmitFinal(); err != nil {
		e.logger.Warn().Err(err).Uint64("segmentId", r.SegmentID).Msg("Final not delivered")
		return
	}
	if !r.Pending {
		lc.Close()
		delete(e.lifecycles, r.SegmentID)
	}
	if e.send(models.FinalMessage(r)) {
		e.metrics.RecordFinalTranscript()
		e.mirror(ctx, models.EventTypeFinal, r)
	}
}

func (e *Emitter) deliverUpdate(r models.TranscriptResult) {
	if r.Overlay == nil {
		return
	}
	buffered, inBuffer := e.buffer[r.SegmentID]
	if inBuffer && buffered.Err == nil {
		buffered.Overlay = r.Overlay
		buffered.Pending = false
		e.buffer[r.SegmentID] = buffered
		return
	}
	if !inBuffer && r.SegmentID >= e.next {
		// The overlay finished before its final reached the emitter; the
		// final picks it up when it arrives.
		if _, parked := e.early[r.SegmentID]; !parked {
			e.early[r.SegmentID] = r.Overlay
		}
		return
	}
	lc, ok := e.lifecycles[r.SegmentID]
	if !ok || lc.State() != segment.StateFinalEmitted {
		e.logger.Debug().Uint64("segmentId", r.SegmentID).Msg("Update without pending final dropped")
		return
	}
	lc.Close()
	delete(e.lifecycles, r.SegmentID)
	e.send(models.UpdateMessage(r.SegmentID, r.Overlay))
}

// Send writes a message outside the ordered stream, e.g. ready or closed.
func (e *Emitter) Send(msg models.ServerMessage) error {
	e.send(msg)
	return e.sinkErr
}

func (e *Emitter) send(msg models.ServerMessage) bool {
	if e.sinkErr != nil {
		return false
	}
	msg.SessionID = e.sessionID
	if err := e.sink.Send(msg); err != nil {
		e.sinkErr = errs.Wrap(err, errs.KindChannelDisconnect)
		e.logger.Warn().Err(err).Str("type", msg.Type).Msg("Sink failed, discarding further results")
		return false
	}
	return true
}

func (e *Emitter) mirror(ctx context.Context, eventType string, r models.TranscriptResult) {
	if e.publisher == nil {
		return
	}
	ev := models.TranscriptEvent{
		EventType: eventType,
		SessionID: e.sessionID,
		ClientID:  e.clientID,
		SegmentID: r.SegmentID,
		Text:      r.Text,
		Language:  r.Language,
		Reason:    string(r.Reason),
		Timestamp: time.Now().UnixMilli(),
	}
	if o := r.Overlay; o != nil {
		ev.Refined = o.Refined
		ev.Translated = o.Translated
		ev.Keywords = o.MatchedKeywords
	}
	if err := e.publisher.PublishTranscript(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Uint64("segmentId", r.SegmentID).Msg("Failed to mirror transcript")
	}
}
