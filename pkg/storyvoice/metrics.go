package storyvoice

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the voice pipeline.
type Metrics struct {
	ChunksCaptured      prometheus.Counter
	BytesTranscoded     prometheus.Counter
	MessagesSent        *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	FallbackActivations prometheus.Counter
	PlaybackQueueDepth  prometheus.Gauge
	PlaybackUnderruns   prometheus.Counter
	SessionsStarted     prometheus.Counter
	SessionDuration     prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// pipelineMetrics returns the process-wide metrics, registering them on
// first use. promauto panics on duplicate registration, so construction
// is guarded by a Once.
func pipelineMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			ChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
				Name: "storyvoice_chunks_captured_total",
				Help: "Total number of audio chunks emitted by the capture engine",
			}),
			BytesTranscoded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "storyvoice_bytes_transcoded_total",
				Help: "Total bytes of canonical PCM produced by the transcoder",
			}),
			MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storyvoice_messages_sent_total",
				Help: "Outbound protocol messages by type",
			}, []string{"type"}),
			MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storyvoice_messages_received_total",
				Help: "Inbound protocol messages by type",
			}, []string{"type"}),
			FallbackActivations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "storyvoice_fallback_activations_total",
				Help: "Sessions where the primary channel was unavailable and the fallback became the transport of record",
			}),
			PlaybackQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storyvoice_playback_queue_samples",
				Help: "Samples currently queued for playback",
			}),
			PlaybackUnderruns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "storyvoice_playback_underruns_total",
				Help: "Output callbacks that ran out of queued samples mid-utterance",
			}),
			SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "storyvoice_sessions_started_total",
				Help: "Voice sessions started",
			}),
			SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "storyvoice_session_duration_seconds",
				Help:    "Voice session duration from connect to teardown",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}),
		}
	})
	return metricsInst
}
