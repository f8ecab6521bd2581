package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Runtime supplies values read at scrape time. Nil funcs are skipped.
type Runtime struct {
	BreakerState       func() string // "closed", "half-open" or "open"
	DroppedEvents      func() uint64
	GeneratorProcesses func() int
}

// circuitLevels maps breaker states onto the circuit gauge.
var circuitLevels = map[string]float64{"closed": 0, "half-open": 1, "open": 2}

// RegisterRuntime registers gauges backed by r on reg.
func RegisterRuntime(reg prometheus.Registerer, r Runtime) error {
	var collectors []prometheus.Collector

	if r.BreakerState != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_circuit_state",
			Help:      "Generation backend circuit: 0 closed, 1 half-open, 2 open",
		}, func() float64 {
			level, ok := circuitLevels[r.BreakerState()]
			if !ok {
				return -1
			}
			return level
		}))
	}
	if r.DroppedEvents != nil {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a subscriber's buffer was full",
		}, func() float64 { return float64(r.DroppedEvents()) }))
	}
	if r.GeneratorProcesses != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generator_processes",
			Help:      "Local generator processes currently running",
		}, func() float64 { return float64(r.GeneratorProcesses()) }))
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
