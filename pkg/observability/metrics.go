package observability

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Terminal statuses recorded on MessagesTotal.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusRateLimited = "rate_limited"
	StatusDuplicate   = "duplicate"
)

var (
	// MessagesTotal counts inbound WhatsApp messages by terminal status.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_msg_total",
		Help: "Processed WhatsApp messages by terminal status.",
	}, []string{"status"})

	// AIProcessingSeconds observes agent-loop latency per inbound message.
	AIProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_processing_seconds",
		Help:    "Agent loop processing time in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// MetricsHandler returns the HTTP handler serving /metrics and /health.
// Split from ServeMetrics so tests can exercise it without a listener.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// ServeMetrics starts the metrics endpoint in the background and returns the
// server so the caller can Shutdown it during drain.
func ServeMetrics(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
