package vigil

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/monitor"
	"github.com/loykin/vigil/internal/registry"
	"github.com/loykin/vigil/internal/resilience"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Status = store.Status

const (
	StatusStarting = store.StatusStarting
	StatusHealthy  = store.StatusHealthy
	StatusDegraded = store.StatusDegraded
	StatusStopping = store.StatusStopping
	StatusStopped  = store.StatusStopped
	StatusCrashed  = store.StatusCrashed
)

type (
	Instance     = store.Instance
	HistoryEntry = store.HistoryEntry
	Store        = store.Store

	Registry       = registry.Registry
	RegistryConfig = registry.Config
	Handle         = registry.Handle
	ConflictError  = registry.ConflictError

	Monitor        = monitor.Monitor
	MonitorConfig  = monitor.Config
	LaunchSpec     = monitor.LaunchSpec
	RecoveryConfig = monitor.RecoveryConfig

	RetryPolicy   = resilience.Policy
	Breaker       = resilience.Breaker
	BreakerConfig = resilience.BreakerConfig

	HistorySink = history.Sink
	LogConfig   = logger.Config
)

// DefaultShutdownGrace bounds signal-triggered shutdown writes; see
// Handle.ShutdownOnSignal.
const DefaultShutdownGrace = registry.DefaultShutdownGrace

// Sentinel errors for errors.Is checks at decision points.
var (
	ErrDuplicateActive = store.ErrDuplicateActive
	ErrNotFound        = store.ErrNotFound
	ErrCircuitOpen     = resilience.ErrOpen
)

// NewStore opens a liveness store from a DSN (sqlite path or postgres URL).
func NewStore(dsn string) (Store, error) { return factory.NewFromDSN(dsn) }

// NewRegistry constructs the worker-side instance registry.
func NewRegistry(st Store, c RegistryConfig) (*Registry, error) { return registry.New(st, c) }

// NewMonitor constructs the health monitor control loop.
func NewMonitor(st Store, c MonitorConfig) (*Monitor, error) { return monitor.New(st, c) }

// LoadConfig reads a vigil TOML configuration file.
func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// NewHTTPServer starts the read-only operator HTTP API over the store.
func NewHTTPServer(addr, basePath string, st Store) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, st)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
