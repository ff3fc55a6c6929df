package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SceneOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecostress_scene_outcomes_total",
			Help: "Scenes handled by outcome and error code",
		},
		[]string{"outcome", "code"}, // outcome=published/already_published/failed
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecostress_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"stage"}, // download/filter/publish/manifest/poll
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecostress_upstream_requests_total",
			Help: "Requests made to the imagery provider",
		},
		[]string{"endpoint", "status"}, // status=success/retry/failure
	)

	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecostress_storage_operations_total",
			Help: "Object storage operations",
		},
		[]string{"operation", "status"}, // operation=put/stat/remove
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecostress_download_bytes_total",
			Help: "Bytes downloaded from the imagery provider",
		},
	)

	ScenesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecostress_scenes_dispatched_total",
			Help: "Scene messages published to the queue",
		},
	)

	ActiveScenes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecostress_active_scenes",
			Help: "Scenes currently being processed",
		},
	)
)

// ObserveStage records the time elapsed since start for a stage
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Status maps an error to a success/failure label
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
