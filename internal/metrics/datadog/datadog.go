// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Flushing model:
//   - observations are buffered in-memory under a mutex
//   - a background loop flushes once a minute so long runs produce a time
//     series instead of a single spike
//   - Close() stops the loop and performs one final flush
//
// Buffers are reset even when submission fails; metrics delivery is
// best-effort and must never block or fail a batch.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "coursedw".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls the background flush interval. Defaults to 60s.
	FlushEvery time.Duration

	// Unexported test seams; production code never sets them.
	now       func() time.Time
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK we call. The SDK
// only exposes the concrete *datadogV2.MetricsApi; depending on this
// interface instead lets tests submit into a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api        metricsSubmitter
	ctx        context.Context
	flushEvery time.Duration
	baseTags   []string
	now        func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	counters map[string]*bucket
	samples  map[string]*sampleBucket
}

type bucket struct {
	name  string
	tags  []string
	value float64
}

type sampleBucket struct {
	name   string
	tags   []string
	values []float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
// Credentials come from the SDK's default environment handling (DD_API_KEY).
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "coursedw"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		baseTags:   baseTags,
		now:        nowFn,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		counters:   map[string]*bucket{},
		samples:    map[string]*sampleBucket{},
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := time.NewTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, v float64, tags map[string]string) {
	if v <= 0 {
		return
	}
	key, tagList := seriesKey(name, tags)

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[key]
	if !ok {
		c = &bucket{name: name, tags: tagList}
		b.counters[key] = c
	}
	c.value += v
}

// ObserveDuration implements metrics.Backend. Durations are recorded in
// seconds; Flush publishes percentile gauges.
func (b *Backend) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	if d < 0 {
		return
	}
	key, tagList := seriesKey(name, tags)

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.samples[key]
	if !ok {
		s = &sampleBucket{name: name, tags: tagList}
		b.samples[key] = s
	}
	s.values = append(s.values, d.Seconds())
}

// Flush submits buffered metrics and resets the buffers. Returns nil when
// there is nothing to submit.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters := b.counters
	samples := b.samples
	b.counters = map[string]*bucket{}
	b.samples = map[string]*sampleBucket{}
	b.mu.Unlock()

	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	series := b.buildSeries(counters, samples, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// Close stops the flush loop and performs one final Flush. Close once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// buildSeries is pure so naming and tagging can be unit tested without a
// clock or network.
func (b *Backend) buildSeries(counters map[string]*bucket, samples map[string]*sampleBucket, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+len(samples)*4)

	for _, c := range counters {
		series = append(series, datadogV2.MetricSeries{
			Metric: metricName(c.name),
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(c.value)},
			},
			Tags: append(append([]string(nil), b.baseTags...), c.tags...),
		})
	}

	for _, s := range samples {
		if len(s.values) == 0 {
			continue
		}
		cp := append([]float64(nil), s.values...)
		sort.Float64s(cp)
		tags := append(append([]string(nil), b.baseTags...), s.tags...)

		name := metricName(s.name)
		series = append(series,
			gaugeSeries(name+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
			gaugeSeries(name+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
			gaugeSeries(name+".max", cp[len(cp)-1], tags, nowUnix),
			gaugeSeries(name+".samples", float64(len(cp)), tags, nowUnix),
		)
	}

	return series
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// percentileNearestRank picks the nearest-rank percentile from sorted samples.
func percentileNearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// metricName converts internal snake_case names to Datadog dotted names:
// "etl_batch_runs" -> "etl.batch.runs".
func metricName(name string) string {
	return strings.ReplaceAll(name, "_", ".")
}

// ParseTagsCSV parses a comma-separated "k:v" tag list from a flag or env
// var, trimming whitespace and skipping empty segments.
func ParseTagsCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// seriesKey builds a stable buffer key and the sorted "k:v" tag list for a
// name+tags combination.
func seriesKey(name string, tags map[string]string) (string, []string) {
	if len(tags) == 0 {
		return name, nil
	}
	list := make([]string, 0, len(tags))
	for k, v := range tags {
		list = append(list, k+":"+v)
	}
	sort.Strings(list)
	return name + "|" + strings.Join(list, ","), list
}
