package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smnsjas/go-wmi/wmi"
)

// Config configures a Collector.
type Config struct {
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the configuration used for a nil Config.
func DefaultConfig() *Config {
	return &Config{Namespace: "wmi"}
}

// Collector records wmi operations and cache lookups.
type Collector struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	cache      *prometheus.CounterVec
}

var _ wmi.Observer = (*Collector)(nil)

// NewCollector creates a collector with its own registry.
func NewCollector(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "operations_total",
		Help:        "Completed operations by result.",
		ConstLabels: cfg.Labels,
	}, []string{"operation", "result"})
	c.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "operation_duration_seconds",
		Help:        "Operation latency.",
		ConstLabels: cfg.Labels,
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"operation"})
	c.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "operations_in_flight",
		Help:        "Operations currently running.",
		ConstLabels: cfg.Labels,
	}, []string{"operation"})
	c.cache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "cache_lookups_total",
		Help:        "Class and method cache lookups.",
		ConstLabels: cfg.Labels,
	}, []string{"cache", "result"})

	for _, m := range []prometheus.Collector{c.operations, c.duration, c.inFlight, c.cache} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// OperationStarted implements wmi.Observer.
func (c *Collector) OperationStarted(op string) {
	c.inFlight.WithLabelValues(op).Inc()
}

// OperationFinished implements wmi.Observer.
func (c *Collector) OperationFinished(op string, elapsed time.Duration, err error) {
	c.inFlight.WithLabelValues(op).Dec()
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
	c.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

// CacheLookup implements wmi.Observer.
func (c *Collector) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cache.WithLabelValues(cache, result).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case wmi.IsTimedOut(err):
		return "timeout"
	case wmi.IsNotFound(err):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
