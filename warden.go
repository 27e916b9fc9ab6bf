// Package warden supervises a network service and restarts it on a fresh
// port when it crashes or stops answering health probes. It also ships a
// probe target server with controllable failure modes for testing.
package warden

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/process"
	iapi "github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/loykin/warden/internal/testserver"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Supervisor = supervisor.Supervisor

type Options = supervisor.Options

type RunOptions = supervisor.RunOptions

type CheckEvent = supervisor.CheckEvent

type Status = supervisor.Status

type Result = probe.Result

type Config = cfg.Config

type HistorySink = history.Sink

type TestServer = testserver.Server

type TestServerConfig = testserver.Config

// ExitCodeBoom is the exit status of a test server crashed via /fail/boom.
const ExitCodeBoom = testserver.ExitCodeBoom

// New spawns the child described by opts and returns its supervisor.
func New(opts Options) (*Supervisor, error) { return supervisor.New(opts) }

// NewTestServer builds a probe target; call ListenAndServe or Serve on it.
func NewTestServer(c TestServerConfig, opts ...testserver.Option) (*TestServer, error) {
	return testserver.New(c, opts...)
}

func DefaultTestServerConfig() TestServerConfig { return testserver.DefaultConfig() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySink opens a sink from a DSN such as sqlite:///var/lib/warden.db.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewStatusServer serves the read-only status API for s on addr.
func NewStatusServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	srv, _, err := iapi.NewServer(addr, iapi.NewRouter(s, basePath))
	return srv, err
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
