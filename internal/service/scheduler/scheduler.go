// Package scheduler runs recognition jobs from all sessions on one bounded
// worker pool. Finals are served before interims, and at most one interim per
// segment waits in the queue.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"realtime-transcribe-backend/internal/observability/metrics"
)

// Priority orders queued jobs.
type Priority int

const (
	PriorityInterim Priority = iota
	PriorityFinal
)

func (p Priority) String() string {
	if p == PriorityFinal {
		return "final"
	}
	return "interim"
}

var (
	// ErrSaturated is returned when a final cannot be queued because the hard
	// ceiling was reached. The session must be terminated.
	ErrSaturated = errors.New("scheduler: saturated")
	// ErrQueueFull is returned for an interim that found no room.
	ErrQueueFull = errors.New("scheduler: queue full")
	// ErrSuperseded is passed to Dropped for an interim replaced by a newer
	// snapshot or by the final of its segment.
	ErrSuperseded = errors.New("scheduler: superseded")
	// ErrEvicted is passed to Dropped for an interim evicted to make room.
	ErrEvicted = errors.New("scheduler: evicted")
	// ErrCancelled is passed to Dropped for interims of a cancelled session.
	ErrCancelled = errors.New("scheduler: session cancelled")
	// ErrClosed is returned once the scheduler is closed.
	ErrClosed = errors.New("scheduler: closed")
)

// Key identifies one segment of one session.
type Key struct {
	SessionID string
	SegmentID uint64
}

// Job is one unit of recognition work. For every job accepted by Submit the
// scheduler calls exactly one of Run or Dropped.
type Job struct {
	Key        Key
	Priority   Priority
	Generation uint64
	// Run does the work under a context bounded by the per-call timeout. It
	// must report its own outcome, including on panic: a panic escaping Run
	// is logged and the worker moves on.
	Run func(ctx context.Context)
	// Dropped is called instead of Run when the job is discarded. Optional.
	Dropped func(reason error)
}

// Config sizes the pool.
type Config struct {
	Workers        int
	PerCallTimeout time.Duration
	QueueCapacity  int
	HardCeiling    int
	FinalGrace     time.Duration
	DegradedWait   time.Duration
	Metrics        *metrics.Metrics
}

// Stats is a point-in-time view for the status probe.
type Stats struct {
	Queued   int  `json:"queued"`
	InFlight int  `json:"inFlight"`
	Degraded bool `json:"degraded"`
}

type queued struct {
	job      Job
	enqueued time.Time
	session  *sessionState
}

type sessionState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

const waitWindow = 32

// Scheduler is a priority worker pool shared by all sessions.
type Scheduler struct {
	cfg     Config
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	finals   *list.List // of *queued
	interims *list.List // of *queued
	pending  map[Key]*list.Element
	sessions map[string]*sessionState
	inFlight int
	closed   bool

	waits    [waitWindow]time.Duration
	waitN    int
	waitSum  time.Duration
	degraded bool

	wg sync.WaitGroup
}

// New starts cfg.Workers workers.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.HardCeiling < cfg.QueueCapacity {
		cfg.HardCeiling = cfg.QueueCapacity
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}

	s := &Scheduler{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		finals:   list.New(),
		interims: list.New(),
		pending:  make(map[Key]*list.Element),
		sessions: make(map[string]*sessionState),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	log.Info().
		Int("workers", cfg.Workers).
		Int("capacity", cfg.QueueCapacity).
		Int("hardCeiling", cfg.HardCeiling).
		Msg("Inference scheduler started")
	return s
}

// Submit queues a job. Interims replace the pending interim of the same key;
// finals remove it.
func (s *Scheduler) Submit(job Job) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sess := s.session(job.Key.SessionID)

	var dropped []droppedJob
	if old, ok := s.pending[job.Key]; ok {
		q := old.Value.(*queued)
		if job.Priority == PriorityInterim && job.Generation <= q.job.Generation {
			s.mu.Unlock()
			return ErrSuperseded
		}
		dropped = append(dropped, s.removeInterim(old, ErrSuperseded))
	}

	if s.queuedLocked() >= s.cfg.QueueCapacity {
		if front := s.interims.Front(); front != nil {
			dropped = append(dropped, s.removeInterim(front, ErrEvicted))
		} else if job.Priority == PriorityInterim {
			s.mu.Unlock()
			s.runDropped(dropped)
			s.metrics.RecordSchedulerDrop("queue_full")
			return ErrQueueFull
		} else if s.queuedLocked() >= s.cfg.HardCeiling {
			s.mu.Unlock()
			s.runDropped(dropped)
			s.metrics.RecordSchedulerDrop("saturated")
			return ErrSaturated
		}
	}

	q := &queued{job: job, enqueued: time.Now(), session: sess}
	if job.Priority == PriorityFinal {
		s.finals.PushBack(q)
	} else {
		s.pending[job.Key] = s.interims.PushBack(q)
	}
	queuedN, inFlight := s.queuedLocked(), s.inFlight
	s.cond.Signal()
	s.mu.Unlock()

	s.runDropped(dropped)
	s.metrics.RecordSchedulerDepth(queuedN, inFlight)
	return nil
}

type droppedJob struct {
	job    Job
	reason error
}

func (s *Scheduler) runDropped(d []droppedJob) {
	for _, j := range d {
		s.metrics.RecordSchedulerDrop(dropLabel(j.reason))
		if j.job.Dropped != nil {
			j.job.Dropped(j.reason)
		}
	}
}

func dropLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrSuperseded):
		return "superseded"
	case errors.Is(reason, ErrEvicted):
		return "evicted"
	case errors.Is(reason, ErrCancelled):
		return "cancelled"
	default:
		return "closed"
	}
}

// removeInterim must be called with s.mu held.
func (s *Scheduler) removeInterim(e *list.Element, reason error) droppedJob {
	q := s.interims.Remove(e).(*queued)
	delete(s.pending, q.job.Key)
	return droppedJob{job: q.job, reason: reason}
}

// session must be called with s.mu held.
func (s *Scheduler) session(id string) *sessionState {
	sess, ok := s.sessions[id]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sess = &sessionState{ctx: ctx, cancel: cancel}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Scheduler) queuedLocked() int {
	return s.finals.Len() + s.interims.Len()
}

// CancelSession drops the session's pending interims. Its queued and running
// finals continue until FinalGrace elapses. Every session that submitted jobs
// must be cancelled when it ends.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)

	var dropped []droppedJob
	for e := s.interims.Front(); e != nil; {
		next := e.Next()
		if q := e.Value.(*queued); q.job.Key.SessionID == sessionID {
			q = s.interims.Remove(e).(*queued)
			delete(s.pending, q.job.Key)
			dropped = append(dropped, droppedJob{job: q.job, reason: ErrCancelled})
		}
		e = next
	}
	s.mu.Unlock()

	s.runDropped(dropped)

	if s.cfg.FinalGrace > 0 {
		time.AfterFunc(s.cfg.FinalGrace, sess.cancel)
	} else {
		sess.cancel()
	}
	log.Debug().
		Str("sessionId", sessionID).
		Int("droppedInterims", len(dropped)).
		Msg("Scheduler session cancelled")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.closed && s.queuedLocked() == 0 {
			s.cond.Wait()
		}
		if s.queuedLocked() == 0 {
			s.mu.Unlock()
			return
		}
		var q *queued
		if e := s.finals.Front(); e != nil {
			q = s.finals.Remove(e).(*queued)
		} else {
			e := s.interims.Front()
			q = s.interims.Remove(e).(*queued)
			delete(s.pending, q.job.Key)
		}
		s.inFlight++
		wait := time.Since(q.enqueued)
		s.observeWait(wait)
		queuedN, inFlight, degraded := s.queuedLocked(), s.inFlight, s.degraded
		s.mu.Unlock()

		s.metrics.RecordQueueWait(q.job.Priority.String(), wait.Seconds())
		s.metrics.RecordSchedulerDepth(queuedN, inFlight)
		s.metrics.RecordDegraded(degraded)

		s.run(q)

		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(q *queued) {
	ctx, cancel := context.WithTimeout(q.session.ctx, s.cfg.PerCallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("sessionId", q.job.Key.SessionID).
				Uint64("segmentId", q.job.Key.SegmentID).
				Msg("Recognition job panicked")
		}
	}()
	q.job.Run(ctx)
}

// observeWait must be called with s.mu held.
func (s *Scheduler) observeWait(d time.Duration) {
	i := s.waitN % waitWindow
	s.waitSum += d - s.waits[i]
	s.waits[i] = d
	s.waitN++

	n := s.waitN
	if n > waitWindow {
		n = waitWindow
	}
	degraded := s.cfg.DegradedWait > 0 && s.waitSum/time.Duration(n) > s.cfg.DegradedWait
	if degraded != s.degraded {
		log.Warn().Bool("degraded", degraded).Dur("avgWait", s.waitSum/time.Duration(n)).Msg("Scheduler degraded state changed")
	}
	s.degraded = degraded
}

// Stats returns the current queue depth, in-flight count and degraded flag.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: s.queuedLocked(), InFlight: s.inFlight, Degraded: s.degraded}
}

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them, or until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
