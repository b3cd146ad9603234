// Package metrics exposes Prometheus instrumentation for the SCSI command
// engine and the SRP session layer.
//
// Metrics are disabled until Init is called; every recording function is a
// no-op with near-zero overhead while disabled, so library code can record
// unconditionally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	inst     *instruments
)

// Init enables metrics collection on the given registry. Passing nil
// creates a fresh registry. Calling Init again replaces the previous set of
// instruments; tests use that to start from clean counters.
func Init(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	mu.Lock()
	defer mu.Unlock()
	registry = reg
	inst = newInstruments(reg)
}

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return inst != nil
}

// Registry returns the active registry, or nil while disabled. The metrics
// HTTP endpoint serves from it.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

func get() *instruments {
	mu.RLock()
	defer mu.RUnlock()
	return inst
}
