package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ChunkUploads      *prometheus.CounterVec
	ChunkBytes        prometheus.Histogram
	Transcriptions    *prometheus.CounterVec
	TranscribeLatency prometheus.Histogram
	FinalizeOutcomes  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec

	pipeline *pipelineWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently accepting or transcribing chunks.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ChunkUploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_uploads_total",
			Help:      "Chunk upload outcomes.",
		}, []string{"outcome"}),
		ChunkBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_bytes",
			Help:      "Accepted chunk payload sizes in bytes.",
			Buckets:   []float64{64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20, 32 << 20},
		}),
		Transcriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Per-chunk transcription outcomes.",
		}, []string{"outcome"}),
		TranscribeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_ms",
			Help:      "Per-chunk transcription latency in milliseconds, retries included.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		FinalizeOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_outcomes_total",
			Help:      "Finalize requests by outcome.",
		}, []string{"outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		pipeline: newPipelineWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveChunkUpload(outcome string, size int) {
	m.ChunkUploads.WithLabelValues(outcome).Inc()
	if size > 0 {
		m.ChunkBytes.Observe(float64(size))
	}
}

func (m *Metrics) ObserveTranscription(outcome string, d time.Duration) {
	m.Transcriptions.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.TranscribeLatency.Observe(float64(d.Milliseconds()))
		m.pipeline.Observe("stored_to_transcribed", float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveFinalize(outcome string, d time.Duration) {
	m.FinalizeOutcomes.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.pipeline.Observe("finalize_total", float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.pipeline.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	m.pipeline.ObserveIndicator(name)
}

func (m *Metrics) Snapshot() PipelineSnapshot {
	return m.pipeline.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
