// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime_transcribe"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal      prometheus.Counter
	SessionsActive     prometheus.Gauge
	SessionDuration    prometheus.Histogram
	SessionsTerminated *prometheus.CounterVec

	// gRPC stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Audio metrics
	AudioBytesReceived prometheus.Counter
	FramesProcessed    prometheus.Counter

	// Pipeline strategy metrics
	VADStrategy      *prometheus.GaugeVec
	DenoiserStrategy *prometheus.GaugeVec

	// Segment metrics
	SegmentsClosed   *prometheus.CounterVec
	SegmentDuration  prometheus.Histogram
	InterimSnapshots prometheus.Counter

	// Scheduler metrics
	SchedulerQueueDepth prometheus.Gauge
	SchedulerInFlight   prometheus.Gauge
	SchedulerDropped    *prometheus.CounterVec
	SchedulerQueueWait  *prometheus.HistogramVec
	SchedulerDegraded   prometheus.Gauge

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	TranscriptErrors   *prometheus.CounterVec

	// STT metrics
	STTLatency *prometheus.HistogramVec
	STTErrors  *prometheus.CounterVec

	// Post-processing metrics
	PostProcessTotal   *prometheus.CounterVec
	PostProcessLatency *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions opened",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		SessionsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions ended, by reason",
		}, []string{"reason"}),

		// gRPC stream metrics
		StreamsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_total",
			Help:      "Total number of gRPC streams started",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Number of currently active gRPC streams",
		}),
		StreamsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_failed_total",
			Help:      "Total number of failed gRPC streams",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_stream_duration_seconds",
			Help:      "Duration of gRPC streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Total normalized audio frames run through the pipeline",
		}),

		// Pipeline strategy metrics
		VADStrategy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vad_strategy_active",
			Help:      "1 for the VAD strategy bound at startup",
		}, []string{"strategy"}),
		DenoiserStrategy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "denoiser_active",
			Help:      "1 for the noise suppressor bound at startup",
		}, []string{"denoiser"}),

		// Segment metrics
		SegmentsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_closed_total",
			Help:      "Total number of segments closed, by reason",
		}, []string{"reason"}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Audio duration of closed segments",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		InterimSnapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interim_snapshots_total",
			Help:      "Total number of interim segment snapshots submitted",
		}),

		// Scheduler metrics
		SchedulerQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Jobs waiting for a recognition worker",
		}),
		SchedulerInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_in_flight",
			Help:      "Recognition calls currently executing",
		}),
		SchedulerDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dropped_total",
			Help:      "Jobs dropped before execution, by reason",
		}, []string{"reason"}),
		SchedulerQueueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_wait_seconds",
			Help:      "Time jobs spent queued before a worker picked them up",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"priority"}),
		SchedulerDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_degraded",
			Help:      "1 while queue wait exceeds the degraded-latency threshold",
		}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts delivered",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts delivered",
		}),
		TranscriptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_errors_total",
			Help:      "Errors delivered to clients, by kind",
		}, []string{"kind"}),

		// STT metrics
		STTLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_seconds",
			Help:      "Speech-to-text recognition latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider", "type"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),

		// Post-processing metrics
		PostProcessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postprocess_total",
			Help:      "Refinement and translation calls, by outcome",
		}, []string{"stage", "outcome"}),
		PostProcessLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "postprocess_latency_seconds",
			Help:      "Refinement and translation latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new session opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionsTerminated.WithLabelValues(reason).Inc()
}

// RecordStreamStart records a new gRPC stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a gRPC stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if !success {
		m.StreamsFailed.Inc()
	}
}

// RecordAudioReceived records one inbound audio chunk.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordFrames records normalized frames run through the pipeline.
func (m *Metrics) RecordFrames(n int) {
	m.FramesProcessed.Add(float64(n))
}

// RecordStrategies records which VAD and denoiser implementations are bound.
func (m *Metrics) RecordStrategies(vad, denoiser string) {
	m.VADStrategy.Reset()
	m.VADStrategy.WithLabelValues(vad).Set(1)
	m.DenoiserStrategy.Reset()
	m.DenoiserStrategy.WithLabelValues(denoiser).Set(1)
}

// RecordSegmentClosed records a segment closing and its audio length.
func (m *Metrics) RecordSegmentClosed(reason string, durationSeconds float64) {
	m.SegmentsClosed.WithLabelValues(reason).Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordInterim records an interim snapshot submission.
func (m *Metrics) RecordInterim() {
	m.InterimSnapshots.Inc()
}

// RecordSchedulerDepth records the current queue depth and in-flight count.
func (m *Metrics) RecordSchedulerDepth(queued, inFlight int) {
	m.SchedulerQueueDepth.Set(float64(queued))
	m.SchedulerInFlight.Set(float64(inFlight))
}

// RecordSchedulerDrop records a job dropped before execution.
func (m *Metrics) RecordSchedulerDrop(reason string) {
	m.SchedulerDropped.WithLabelValues(reason).Inc()
}

// RecordQueueWait records how long a job waited for a worker.
func (m *Metrics) RecordQueueWait(priority string, seconds float64) {
	m.SchedulerQueueWait.WithLabelValues(priority).Observe(seconds)
}

// RecordDegraded records the scheduler degraded-latency condition.
func (m *Metrics) RecordDegraded(degraded bool) {
	if degraded {
		m.SchedulerDegraded.Set(1)
		return
	}
	m.SchedulerDegraded.Set(0)
}

// RecordPartialTranscript records a partial transcript delivered.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript delivered.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordTranscriptError records an error message delivered to a client.
func (m *Metrics) RecordTranscriptError(kind string) {
	m.TranscriptErrors.WithLabelValues(kind).Inc()
}

// RecordSTTLatency records a recognition call's latency.
func (m *Metrics) RecordSTTLatency(provider, kind string, seconds float64) {
	m.STTLatency.WithLabelValues(provider, kind).Observe(seconds)
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordPostProcess records a refinement or translation outcome.
func (m *Metrics) RecordPostProcess(stage, outcome string, seconds float64) {
	m.PostProcessTotal.WithLabelValues(stage, outcome).Inc()
	m.PostProcessLatency.WithLabelValues(stage).Observe(seconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
