package kiln

import (
	"github.com/prometheus/client_golang/prometheus"
)

var CompileCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Subsystem: "codegen",
	Name:      "compiles",
}, []string{"platform", "result"})

var CompileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kiln",
	Subsystem: "codegen",
	Name:      "compile_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
}, []string{"platform"})

var ModuleLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Subsystem: "modules",
	Name:      "lookups",
}, []string{"platform", "result"})

var CellResolves = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Subsystem: "cells",
	Name:      "resolves",
}, []string{"result"})

var AcceleratorCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Subsystem: "context",
	Name:      "accelerators",
})

var DriverCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Subsystem: "context",
	Name:      "codegen_drivers",
})

func allCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CompileCount,
		CompileDuration,
		ModuleLookups,
		CellResolves,
		AcceleratorCount,
		DriverCount,
	}
}

// registerCollectors is tolerant of re-registration so that independent
// Contexts (and tests) can share one registerer.
func registerCollectors(reg prometheus.Registerer) error {
	for _, c := range allCollectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
