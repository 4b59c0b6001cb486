// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and OpenTelemetry tracing for the archiver.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// Counters
	VideosProcessed  prometheus.Counter
	VideosSkipped    prometheus.Counter
	VideosFailed     prometheus.Counter
	ComponentFetches *prometheus.CounterVec // labels: component, outcome
	EnumerationPages prometheus.Counter
	QuotaWaits       prometheus.Counter
	QuotaWaitSeconds prometheus.Counter
	QuotaUnitsSpent  prometheus.Counter
	Checkpoints      prometheus.Counter
	StoreCommands    *prometheus.CounterVec // labels: command, outcome
	Renames          prometheus.Counter

	// Histograms (seconds)
	DetailFetchDuration prometheus.Observer
	VideoDuration       prometheus.Observer
	SourceDuration      prometheus.Observer

	// Gauges
	InflightVideos prometheus.Gauge
	QueueDepth     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		VideosProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_videos_processed_total", Help: "Videos fully processed"})
		VideosSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_videos_skipped_total", Help: "Videos skipped by filters or skip sets"})
		VideosFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_videos_failed_total", Help: "Videos whose processing failed"})
		ComponentFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archive_component_fetches_total", Help: "Per-component fetches by outcome"}, []string{"component", "outcome"})
		EnumerationPages = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_enumeration_pages_total", Help: "Listing pages fetched"})
		QuotaWaits = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_quota_waits_total", Help: "Governor wait events"})
		QuotaWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_quota_wait_seconds_total", Help: "Seconds spent waiting for quota reset"})
		QuotaUnitsSpent = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_quota_units_estimate_total", Help: "Estimated data-API quota units spent"})
		Checkpoints = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_checkpoint_commits_total", Help: "Checkpoint commits made"})
		StoreCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archive_store_commands_total", Help: "git/git-annex invocations by outcome"}, []string{"command", "outcome"})
		Renames = promauto.NewCounter(prometheus.CounterOpts{Name: "archive_renames_total", Help: "History-preserving moves performed"})
		DetailFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_detail_fetch_duration_seconds", Help: "Detail fetch duration", Buckets: prometheus.DefBuckets})
		VideoDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_video_duration_seconds", Help: "Per-video processing duration", Buckets: prometheus.DefBuckets})
		SourceDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archive_source_duration_seconds", Help: "Per-source pass duration", Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400}})
		InflightVideos = promauto.NewGauge(prometheus.GaugeOpts{Name: "archive_inflight_videos", Help: "Videos currently in the component pipeline"})
		QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "archive_queue_depth", Help: "Videos remaining in the current source"})
	})
}

// ObserveComponent records one component fetch outcome.
func ObserveComponent(component, outcome string) {
	if ComponentFetches != nil {
		ComponentFetches.WithLabelValues(component, outcome).Inc()
	}
}

// ObserveStoreCommand records one git/git-annex invocation outcome.
func ObserveStoreCommand(command, outcome string) {
	if StoreCommands != nil {
		StoreCommands.WithLabelValues(command, outcome).Inc()
	}
}

// IncRenames counts a history-preserving move.
func IncRenames() {
	if Renames != nil {
		Renames.Inc()
	}
}

// IncQuotaWait counts one governor wait event.
func IncQuotaWait() {
	if QuotaWaits != nil {
		QuotaWaits.Inc()
	}
}

// AddQuotaWaitSeconds accumulates time spent waiting on quota resets.
func AddQuotaWaitSeconds(seconds float64) {
	if QuotaWaitSeconds != nil && seconds > 0 {
		QuotaWaitSeconds.Add(seconds)
	}
}

// SetQueueDepth records videos remaining for the current source.
func SetQueueDepth(n int) {
	if QueueDepth != nil {
		QueueDepth.Set(float64(n))
	}
}

// ServeMetrics exposes /metrics on addr until ctx is canceled. Intended for
// long backup runs; a CLI invocation with no addr configured never starts it.
func ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("metrics listener started", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics listener error", slog.Any("err", err))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the run correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the correlation id if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("trace_id", id))
	}
	return slog.Default()
}
