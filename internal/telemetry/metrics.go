package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_submissions_total", Help: "Upload jobs accepted and enqueued"})
	DuplicateHits       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_duplicate_submissions_total", Help: "Submissions short-circuited by the idempotency guard"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ChunksSent          = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_chunks_sent_total", Help: "Chunk transfers accepted by the platform"})
	BytesUploaded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_bytes_uploaded_total", Help: "Bytes acknowledged by the platform"})
	ChunkRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_chunk_retries_total", Help: "Transient chunk failures retried with backoff"})
	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_completed_total", Help: "Jobs finished with a remote resource id"})
	JobsRetried         = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_retried_total", Help: "Jobs re-scheduled after a retryable failure"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_failed_total", Help: "Jobs that failed permanently"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsAccepted,
			DuplicateHits,
			RateLimitRejects,
			ChunksSent,
			BytesUploaded,
			ChunkRetries,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
