// Package metrics decouples the ETL core from any particular metrics
// vendor. The core records counters and durations against a process-wide
// Backend; binaries pick the backend (Datadog, Pushgateway, none) at
// startup. The default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	// IncCounter adds v to a named counter.
	IncCounter(name string, v float64, tags map[string]string)

	// ObserveDuration records one duration sample for a named timer.
	ObserveDuration(name string, d time.Duration, tags map[string]string)

	// Flush submits buffered metrics. Called at least once at shutdown.
	Flush() error

	// Close flushes and releases backend resources.
	Close() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds v to a named counter on the installed backend.
func IncCounter(name string, v float64, tags map[string]string) {
	current().IncCounter(name, v, tags)
}

// ObserveDuration records one duration sample on the installed backend.
func ObserveDuration(name string, d time.Duration, tags map[string]string) {
	current().ObserveDuration(name, d, tags)
}

// Flush submits buffered metrics on the installed backend.
func Flush() error { return current().Flush() }

// Close flushes and shuts down the installed backend.
func Close() error { return current().Close() }

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, map[string]string)            {}
func (nopBackend) ObserveDuration(string, time.Duration, map[string]string) {}
func (nopBackend) Flush() error                                             { return nil }
func (nopBackend) Close() error                                             { return nil }
