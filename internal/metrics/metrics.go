package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"service"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restart attempts scheduled by the restart policy.",
		}, []string{"service"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of observed process exits with code 0 or on request.",
		}, []string{"service"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of observed process exits with a non-zero code.",
		}, []string{"service"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "launch_failures_total",
			Help:      "Number of times the OS refused to create the process.",
		}, []string{"service"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "process",
			Name:      "forced_kills_total",
			Help:      "Number of processes force-killed after cooperative shutdown timed out.",
		}, []string{"service"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcwrap",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)

	logRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "log",
			Name:      "rotations_total",
			Help:      "Number of completed log rotations.",
		}, []string{"service", "trigger"},
	)
	logArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "log",
			Name:      "archived_files_total",
			Help:      "Number of log files moved into archive containers.",
		}, []string{"service"},
	)
	logErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "log",
			Name:      "errors_total",
			Help:      "Number of recovered log I/O errors by operation.",
		}, []string{"service", "op"},
	)
	logBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "log",
			Name:      "written_bytes_total",
			Help:      "Bytes written to the supervised process log streams.",
		}, []string{"service", "stream"},
	)

	crashDumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcwrap",
			Subsystem: "crashdump",
			Name:      "captures_total",
			Help:      "Number of crash dump capture attempts by result.",
		}, []string{"service", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops, processCrashes, launchFailures, forcedKills,
		stateTransitions, currentStates,
		logRotations, logArchived, logErrors, logBytes,
		crashDumps,
	}
	for _, c := range cs {
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		processStarts.WithLabelValues(service).Inc()
	}
}
func IncRestart(service string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(service).Inc()
	}
}
func IncStop(service string) {
	if regOK.Load() {
		processStops.WithLabelValues(service).Inc()
	}
}
func IncCrash(service string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(service).Inc()
	}
}
func IncLaunchFailure(service string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(service).Inc()
	}
}
func IncForcedKill(service string) {
	if regOK.Load() {
		forcedKills.WithLabelValues(service).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetCurrentState(service, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(service, state).Set(value)
	}
}

func IncRotation(service, trigger string) {
	if regOK.Load() {
		logRotations.WithLabelValues(service, trigger).Inc()
	}
}
func AddArchived(service string, n int) {
	if regOK.Load() && n > 0 {
		logArchived.WithLabelValues(service).Add(float64(n))
	}
}
func IncLogError(service, op string) {
	if regOK.Load() {
		logErrors.WithLabelValues(service, op).Inc()
	}
}
func AddLogBytes(service, stream string, n int) {
	if regOK.Load() && n > 0 {
		logBytes.WithLabelValues(service, stream).Add(float64(n))
	}
}

func IncCrashDump(service, result string) {
	if regOK.Load() {
		crashDumps.WithLabelValues(service, result).Inc()
	}
}
