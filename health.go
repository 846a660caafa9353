package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/pipeline"
)

var (
	// Prometheus metrics
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_batches_total",
		Help: "Total number of successfully processed batches",
	})

	batchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_batch_errors_total",
		Help: "Total number of failed batch runs",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "medallion_batch_duration_seconds",
		Help:    "Duration of batch runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	recordsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_records_accepted_total",
		Help: "Total number of records accepted by validation",
	})

	recordsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_records_quarantined_total",
		Help: "Total number of records routed to quarantine",
	})

	coercionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_coercion_failures_total",
		Help: "Total number of rows excluded from merge by coercion failure",
	})

	silverInserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_silver_inserts_total",
		Help: "Total number of canonical rows inserted",
	})

	silverUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medallion_silver_updates_total",
		Help: "Total number of canonical rows updated",
	})

	lastBatchTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medallion_last_batch_timestamp_seconds",
		Help: "Unix time of the last completed batch",
	})
)

// observeSummary feeds one batch summary into the Prometheus metrics.
func observeSummary(s *pipeline.Summary) {
	batchesTotal.Inc()
	batchDuration.Observe(s.Duration.Seconds())
	recordsAccepted.Add(float64(s.Accepted))
	recordsQuarantined.Add(float64(s.Quarantined))
	coercionFailures.Add(float64(s.CoercionFailures))
	silverInserts.Add(float64(s.SilverInserted))
	silverUpdates.Add(float64(s.SilverUpdated))
	lastBatchTime.SetToCurrentTime()
}

// HealthServer manages the HTTP health and metrics endpoints.
type HealthServer struct {
	service   *Service
	port      string
	logger    *zap.Logger
	startTime time.Time
}

// NewHealthServer creates a new health server.
func NewHealthServer(service *Service, port string, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		service:   service,
		port:      port,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start starts the health and metrics HTTP server.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/live", h.handleLive)
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + h.port
	h.logger.Info("health server listening", zap.String("addr", addr))

	return http.ListenAndServe(addr, mux)
}

// handleHealth returns detailed health information.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.service.Stats()

	health := map[string]any{
		"status":         "healthy",
		"service":        h.service.config.Service.Name,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"stats": map[string]any{
			"batches_processed":  stats.BatchesProcessed,
			"batch_errors":       stats.BatchErrors,
			"last_batch_id":      stats.LastBatchID,
			"last_batch_time":    stats.LastBatchTime,
			"last_batch_summary": stats.LastSummary,
		},
		"config": map[string]any{
			"poll_interval_seconds": h.service.config.Service.PollIntervalSeconds,
			"input_dir":             h.service.config.Input.Dir,
			"store_path":            h.service.config.Store.Path,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleReady returns readiness status (for k8s).
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready")
}

// handleLive returns liveness status (for k8s).
func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}
