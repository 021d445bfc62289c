// Package telemetry collects Prometheus metrics for the distributed query
// engine: admission queue depth, active queries per user, shuffle buffer
// occupancy, and RPC operation counters.
package telemetry

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where metrics are exposed.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Address:   "localhost:9090",
		Path:      "/metrics",
		Namespace: "swarmsql",
	}
}

// Collector owns the process's Prometheus registry and every gauge/counter
// the engine's components update as they run.
type Collector struct {
	mu       sync.Mutex
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	QueueDepth          prometheus.Gauge
	ActiveQueries        *prometheus.GaugeVec
	QueriesTotal         *prometheus.CounterVec
	QueryDuration        *prometheus.HistogramVec
	RejectedTotal        *prometheus.CounterVec
	ShuffleBufferBatches *prometheus.GaugeVec
	ShuffleBytesTotal    prometheus.Counter
	CatalogTables        prometheus.Gauge
	RPCRequestsTotal     *prometheus.CounterVec
	RPCDuration          *prometheus.HistogramVec
	PartitionOpsTotal    *prometheus.CounterVec
}

// NewCollector builds and registers every metric. When config.Enabled is
// false the returned Collector is a no-op: every field is still non-nil
// (so call sites never need a nil check) but is backed by an unregistered
// registry that nothing ever serves.
func NewCollector(config Config) *Collector {
	registry := prometheus.NewRegistry()
	ns := config.Namespace
	if ns == "" {
		ns = "swarmsql"
	}

	c := &Collector{
		config:   config,
		registry: registry,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "admission", Name: "queue_depth",
			Help: "Number of queries currently waiting in the admission queue.",
		}),
		ActiveQueries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "admission", Name: "active_queries",
			Help: "Number of queries currently running, labeled by user.",
		}, []string{"user_id"}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "admission", Name: "queries_total",
			Help: "Total number of submitted queries by terminal state.",
		}, []string{"state"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "admission", Name: "query_duration_seconds",
			Help:    "Duration of completed queries in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "admission", Name: "rejected_total",
			Help: "Total number of rejected submissions by reason.",
		}, []string{"reason"}),
		ShuffleBufferBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "shuffle", Name: "buffered_batches",
			Help: "Record batches currently buffered per shuffle stage.",
		}, []string{"shuffle_id"}),
		ShuffleBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "shuffle", Name: "bytes_total",
			Help: "Total bytes sent across all shuffle writers.",
		}),
		CatalogTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "catalog", Name: "tables",
			Help: "Number of distinct tables known to the local catalog view.",
		}),
		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "flight", Name: "requests_total",
			Help: "Total Flight RPC requests by verb and outcome.",
		}, []string{"verb", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "flight", Name: "request_duration_seconds",
			Help:    "Flight RPC request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
		PartitionOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "partition", Name: "operations_total",
			Help: "Partitioning engine operations by kind and outcome.",
		}, []string{"op", "outcome"}),
	}

	registry.MustRegister(
		c.QueueDepth, c.ActiveQueries, c.QueriesTotal, c.QueryDuration,
		c.RejectedTotal, c.ShuffleBufferBatches, c.ShuffleBytesTotal,
		c.CatalogTables, c.RPCRequestsTotal, c.RPCDuration, c.PartitionOpsTotal,
	)

	return c
}

// StartBackground starts the metrics HTTP endpoint in a goroutine if
// enabled, logging (not returning) any listen error since callers treat
// metrics exposure as best-effort.
func (c *Collector) StartBackground() {
	if !c.config.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.mu.Lock()
	c.server = &http.Server{Addr: c.config.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := c.server
	c.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("telemetry: metrics server stopped: %v\n", err)
		}
	}()
}

// Shutdown stops the metrics HTTP endpoint, if running.
func (c *Collector) Shutdown() error {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// ObserveRPC records one Flight RPC call's outcome and duration.
func (c *Collector) ObserveRPC(verb, outcome string, d time.Duration) {
	c.RPCRequestsTotal.WithLabelValues(verb, outcome).Inc()
	c.RPCDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// ObservePartitionOp records one partitioning engine operation's outcome.
func (c *Collector) ObservePartitionOp(op, outcome string) {
	c.PartitionOpsTotal.WithLabelValues(op, outcome).Inc()
}
