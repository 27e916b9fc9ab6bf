package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	// supervisor side
	checks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "checks_total",
			Help:      "Health checks by classified result (alive, hung, dead).",
		}, []string{"name", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "probe_duration_seconds",
			Help:      "Time spent waiting for a probe response or its timeout.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	respawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "respawns_total",
			Help:      "Child respawns by reason (hung, dead).",
		}, []string{"name", "reason"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Child spawns that failed to start.",
		}, []string{"name"},
	)
	killFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "kill_failures_total",
			Help:      "Attempts to kill a hung child that returned an error.",
		}, []string{"name"},
	)
	listenPort = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "listen_port",
			Help:      "Port the supervised child is currently told to bind.",
		}, []string{"name"},
	)
	childExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "last_exit_code",
			Help:      "Exit code of the most recent child found dead.",
		}, []string{"name"},
	)

	// test server side
	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "testserver",
			Name:      "admissions_total",
			Help:      "Connections by admission decision (accepted, rejected).",
		}, []string{"result"},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "testserver",
			Name:      "active_workers",
			Help:      "Connections currently admitted and not yet completed.",
		},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "testserver",
			Name:      "requests_total",
			Help:      "Served requests by status code.",
		}, []string{"code"},
	)
	faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "testserver",
			Name:      "faults_total",
			Help:      "Injected faults by kind (hang, boom).",
		}, []string{"kind"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		checks, probeDuration, respawns, spawnFailures, killFailures, listenPort, childExitCode,
		admissions, activeWorkers, requests, faults,
		childCPUPercent, childRSSBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer, e.g. a private registry in tests.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCheck(name, result string) {
	if regOK.Load() {
		checks.WithLabelValues(name, result).Inc()
	}
}

func ObserveProbe(name string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncRespawn(name, reason string) {
	if regOK.Load() {
		respawns.WithLabelValues(name, reason).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func IncKillFailure(name string) {
	if regOK.Load() {
		killFailures.WithLabelValues(name).Inc()
	}
}

func SetListenPort(name string, port int) {
	if regOK.Load() {
		listenPort.WithLabelValues(name).Set(float64(port))
	}
}

func SetLastExitCode(name string, code int) {
	if regOK.Load() {
		childExitCode.WithLabelValues(name).Set(float64(code))
	}
}

func IncAdmission(accepted bool) {
	if !regOK.Load() {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	admissions.WithLabelValues(result).Inc()
}

func SetActiveWorkers(n int) {
	if regOK.Load() {
		activeWorkers.Set(float64(n))
	}
}

func IncRequest(code int) {
	if regOK.Load() {
		requests.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func IncFault(kind string) {
	if regOK.Load() {
		faults.WithLabelValues(kind).Inc()
	}
}
