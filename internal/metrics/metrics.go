package metrics

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for the persona service
type Metrics struct {
	// Counters
	Resolutions  *prometheus.CounterVec // by source: client-cookie, redis-cache, inferred, default
	CacheOps     *prometheus.CounterVec // by op and result: hit, miss, error
	RateLimited  prometheus.Counter
	BotRequests  prometheus.Counter
	Fallbacks    *prometheus.CounterVec // by reason
	SinkErrors   *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	// Gauges
	BreakerState prometheus.Gauge // 0 closed, 1 half-open, 2 open

	// Histograms
	ResolveDuration prometheus.Histogram
	HTTPDuration    *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates all metrics and registers them on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on an explicit registry so tests can
// construct isolated instances.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gopersona_resolutions_total",
				Help: "Total persona resolutions by source",
			},
			[]string{"source"},
		),

		CacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gopersona_cache_ops_total",
				Help: "Total persona cache operations by op and result",
			},
			[]string{"op", "result"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gopersona_rate_limited_total",
				Help: "Total requests rejected by the rate limiter",
			},
		),

		BotRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gopersona_bot_requests_total",
				Help: "Total requests skipped as bot-like",
			},
		),

		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gopersona_fallbacks_total",
				Help: "Total degraded resolutions by classifier reason",
			},
			[]string{"reason"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gopersona_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gopersona_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gopersona_circuit_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
		),

		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gopersona_resolve_duration_seconds",
				Help:    "Persona resolution duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gopersona_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.Resolutions,
		m.CacheOps,
		m.RateLimited,
		m.BotRequests,
		m.Fallbacks,
		m.SinkErrors,
		m.HTTPRequests,
		m.BreakerState,
		m.ResolveDuration,
		m.HTTPDuration,
	)

	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
		// Security: Set timeouts to prevent resource exhaustion
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{server: srv, config: config}
}

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			log.Printf("metrics: HTTPS server listening on %s", s.config.Addr)
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", s.config.Addr)
			err = s.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// Convenience methods for common operations
func (m *Metrics) IncrementResolutions(source string) {
	m.Resolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) IncrementCacheOps(op, result string) {
	m.CacheOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncrementFallbacks(reason string) {
	m.Fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetBreakerState(ordinal int) {
	m.BreakerState.Set(float64(ordinal))
}

func (m *Metrics) ObserveResolveDuration(duration time.Duration) {
	m.ResolveDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
