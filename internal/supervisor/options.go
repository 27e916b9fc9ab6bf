package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/process"
)

const (
	DefaultHost           = "localhost"
	DefaultPort           = 5000
	DefaultProbePath      = "/test.txt"
	DefaultProbeTimeout   = 100 * time.Millisecond
	DefaultInterval       = time.Second
	DefaultHistoryTimeout = 2 * time.Second
)

// Prober issues one health probe. probe.HTTPProber is the production
// implementation.
type Prober interface {
	Get(ctx context.Context, host string, port int, path string, timeout time.Duration) probe.Outcome
}

// Options configure a Supervisor. Spec.Command is the argument template the
// listen address is appended to on every spawn.
type Options struct {
	Spec process.Spec
	Host string
	Port int

	// KillWait bounds how long a kill waits for the child to be reaped.
	KillWait time.Duration
	// KeepPortOnExit skips the port bump when the child exited on its own.
	// By default the port is bumped after every unhealthy check.
	KeepPortOnExit bool
	// SampleResources records child CPU/RSS gauges after healthy checks.
	SampleResources bool

	Logger  *slog.Logger
	Prober  Prober
	History []history.Sink
	// HistoryTimeout bounds each sink write.
	HistoryTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Spec.Name == "" {
		o.Spec.Name = "webserver"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Prober == nil {
		o.Prober = probe.NewHTTPProber()
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = DefaultHistoryTimeout
	}
}

// RunOptions drive the periodic check loop.
type RunOptions struct {
	Path     string
	Timeout  time.Duration
	Interval time.Duration
	// StartupTimeout, when set, waits for the first child to accept
	// connections and is used as the probe timeout of the first check.
	StartupTimeout time.Duration
	// OnCheck is called after every check from the Run goroutine.
	OnCheck func(CheckEvent)
}

func (o *RunOptions) applyDefaults() {
	if o.Path == "" {
		o.Path = DefaultProbePath
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultProbeTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
}

// CheckEvent reports the result of one check made by Run.
type CheckEvent struct {
	Time     time.Time `json:"time"`
	Changed  bool      `json:"changed"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
}
