// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package. Batch jobs are exactly the case the
// Pushgateway exists for: the process is gone before a scraper would ever
// reach it, so Flush pushes the whole registry under a fixed job name.
package prompush

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Options controls Pushgateway backend configuration.
type Options struct {
	// URL is the Pushgateway base URL, e.g. "http://pushgateway:9091".
	URL string

	// JobName is the Pushgateway job label. Defaults to "coursedw".
	JobName string

	// Grouping adds extra grouping labels (e.g. instance).
	Grouping map[string]string
}

// Backend implements metrics.Backend against a Pushgateway.
type Backend struct {
	pusher   *push.Pusher
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelKeys  map[string][]string
}

// NewBackend constructs a Pushgateway backend. No network traffic happens
// until Flush.
func NewBackend(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("prompush: pushgateway URL is required")
	}
	job := opts.JobName
	if job == "" {
		job = "coursedw"
	}

	registry := prometheus.NewRegistry()
	pusher := push.New(opts.URL, job).Gatherer(registry)
	for k, v := range opts.Grouping {
		pusher = pusher.Grouping(k, v)
	}

	return &Backend{
		pusher:     pusher,
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labelKeys:  map[string][]string{},
	}, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, v float64, tags map[string]string) {
	if v < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.counters[name]
	if !ok {
		keys := b.lockKeys(name, tags)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name + "_total",
			Help: name,
		}, keys)
		b.registry.MustRegister(vec)
		b.counters[name] = vec
	}

	vec.With(b.labelValues(name, tags)).Add(v)
}

// ObserveDuration implements metrics.Backend. Durations land in a seconds
// histogram with the default buckets.
func (b *Backend) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	if d < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.histograms[name]
	if !ok {
		keys := b.lockKeys(name, tags)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name + "_seconds",
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		b.registry.MustRegister(vec)
		b.histograms[name] = vec
	}

	vec.With(b.labelValues(name, tags)).Observe(d.Seconds())
}

// lockKeys pins the label-key set a metric was first observed with.
// Prometheus vectors require a fixed key set per metric; later calls are
// normalized against it in labelValues. Callers hold b.mu.
func (b *Backend) lockKeys(name string, tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.labelKeys[name] = keys
	return keys
}

// labelValues fills the pinned key set: missing tags become "", unknown
// tags are dropped. Callers hold b.mu.
func (b *Backend) labelValues(name string, tags map[string]string) prometheus.Labels {
	out := prometheus.Labels{}
	for _, k := range b.labelKeys[name] {
		out[k] = tags[k]
	}
	return out
}

// Flush pushes the whole registry to the Pushgateway.
func (b *Backend) Flush() error {
	return b.pusher.Push()
}

// Close performs a final push. The pusher holds no connection state.
func (b *Backend) Close() error {
	return b.Flush()
}
