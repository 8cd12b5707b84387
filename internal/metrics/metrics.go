package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapline",
			Subsystem: "topology",
			Name:      "reloads_total",
			Help:      "Reload attempts by outcome (noop, applied, rejected, fatal).",
		}, []string{"outcome"},
	)
	reloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tapline",
			Subsystem: "topology",
			Name:      "reload_duration_seconds",
			Help:      "Time spent applying a reload.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapline",
			Subsystem: "topology",
			Name:      "component_errors_total",
			Help:      "Components that stopped with an error or a panic.",
		}, []string{"component"},
	)
	components = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "topology",
			Name:      "components",
			Help:      "Running components per kind.",
		}, []string{"kind"},
	)
	generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "topology",
			Name:      "generation",
			Help:      "Number of applied topology changes since start.",
		},
	)
	signalsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapline",
			Subsystem: "signal",
			Name:      "dropped_total",
			Help:      "Signals evicted from the signal channel before the controller read them.",
		},
	)
	signalsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapline",
			Subsystem: "signal",
			Name:      "handled_total",
			Help:      "Signals consumed by the run loop per kind.",
		}, []string{"kind"},
	)
	uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapline",
			Name:      "uptime_seconds",
			Help:      "Seconds since the application started.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{reloads, reloadDuration, crashes, components, generation, signalsDropped, signalsHandled, uptime}
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

func IncReload(outcome string) {
	if regOK.Load() {
		reloads.WithLabelValues(outcome).Inc()
	}
}

func ObserveReload(d time.Duration) {
	if regOK.Load() {
		reloadDuration.Observe(d.Seconds())
	}
}

func IncComponentError(component string) {
	if regOK.Load() {
		crashes.WithLabelValues(component).Inc()
	}
}

func SetComponents(kind string, n int) {
	if regOK.Load() {
		components.WithLabelValues(kind).Set(float64(n))
	}
}

func SetGeneration(g uint64) {
	if regOK.Load() {
		generation.Set(float64(g))
	}
}

func AddSignalsDropped(n uint64) {
	if regOK.Load() {
		signalsDropped.Add(float64(n))
	}
}

func IncSignal(kind string) {
	if regOK.Load() {
		signalsHandled.WithLabelValues(kind).Inc()
	}
}

func SetUptime(d time.Duration) {
	if regOK.Load() {
		uptime.Set(d.Seconds())
	}
}
