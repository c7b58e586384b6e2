package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_compose"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful downstream server process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops, labelled by how the process went down.",
		}, []string{"name", "mode"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests sent to downstream servers by outcome.",
		}, []string{"server", "method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Latency of JSON-RPC requests to downstream servers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "method"},
	)

	transportReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by HTTP streaming transports.",
		}, []string{"server"},
	)

	composedComponents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "composition",
			Name:      "components",
			Help:      "Components currently exposed in the unified namespace.",
		}, []string{"category"},
	)
	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composition",
			Name:      "conflicts_total",
			Help:      "Name conflicts resolved during composition.",
		}, []string{"category", "strategy"},
	)
	compositionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "composition",
			Name:      "server_errors_total",
			Help:      "Downstream servers that failed to compose.",
		}, []string{"server"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops, stateTransitions, currentStates,
		rpcRequests, rpcDuration, transportReconnects,
		composedComponents, conflictsResolved, compositionErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

// IncStop records a stop; mode is "graceful", "killed" or "crashed".
func IncStop(name, mode string) {
	if regOK.Load() {
		processStops.WithLabelValues(name, mode).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	currentStates.WithLabelValues(name, from).Set(0)
	currentStates.WithLabelValues(name, to).Set(1)
}

func ObserveRPC(server, method, outcome string, seconds float64) {
	if regOK.Load() {
		rpcRequests.WithLabelValues(server, method, outcome).Inc()
		rpcDuration.WithLabelValues(server, method).Observe(seconds)
	}
}

func IncReconnect(server string) {
	if regOK.Load() {
		transportReconnects.WithLabelValues(server).Inc()
	}
}

func SetComponents(category string, n int) {
	if regOK.Load() {
		composedComponents.WithLabelValues(category).Set(float64(n))
	}
}

func IncConflict(category, strategy string) {
	if regOK.Load() {
		conflictsResolved.WithLabelValues(category, strategy).Inc()
	}
}

func IncCompositionError(server string) {
	if regOK.Load() {
		compositionErrors.WithLabelValues(server).Inc()
	}
}
