// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Counters and step durations are buffered in memory and submitted on a
// ticker (default once per minute) and once more on Close, so a long load
// shows up as a time series rather than a single point at exit.
//
// Flush snapshots and resets the buffers under the lock and submits outside
// it; recording never waits on the network.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"songetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "songetl".
	JobName string

	// Tags are extra Datadog tags, e.g. []string{"env:prod", "team:data"}.
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Test seams. Production code leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// counterSeries maps a facade counter to its Datadog name and the label keys
// that become tags. Counters not listed here are dropped.
var counterSeries = map[string]struct {
	metric string
	tags   []string
}{
	metrics.FilesTotal:   {"songetl.files.total", []string{"kind", "status"}},
	metrics.RowsTotal:    {"songetl.rows.total", []string{"table", "status"}},
	metrics.LookupsTotal: {"songetl.lookups.total", []string{"result"}},
	metrics.IssuesTotal:  {"songetl.issues.total", []string{"kind"}},
	metrics.StepTotal:    {"songetl.step.total", []string{"step", "status"}},
}

const stepDurationMetric = "songetl.step.duration_seconds"

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	// counts is keyed by Datadog metric name, then by the joined tag list.
	counts          map[string]map[string]float64
	durationSamples map[string][]float64
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

// NewBackend constructs a Datadog backend using the official client. API
// keys and site come from the client's usual DD_API_KEY / DD_SITE
// environment; network errors surface from Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "songetl"
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
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		if cfg == nil {
			return nil, wrapInitErr(fmt.Errorf("nil client configuration"))
		}
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(cfg))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,

		counts:          make(map[string]map[string]float64),
		durationSamples: make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
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

// Close stops the flush loop and performs one final Flush. It is safe to
// call more than once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	cs, ok := counterSeries[name]
	if !ok {
		return
	}
	key := tagKey(cs.tags, labels)

	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.counts[cs.metric]
	if m == nil {
		m = make(map[string]float64)
		b.counts[cs.metric] = m
	}
	m[key] += delta
}

// ObserveHistogram implements metrics.Backend. Only step durations are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDurationSeconds {
		return
	}
	key := tagKey([]string{"step", "status"}, labels)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.durationSamples[key] = append(b.durationSamples[key], value)
}

type snapshot struct {
	counts          map[string]map[string]float64
	durationSamples map[string][]float64
}

func (s snapshot) isEmpty() bool {
	return len(s.counts) == 0 && len(s.durationSamples) == 0
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counts: b.counts, durationSamples: b.durationSamples}
	b.counts = make(map[string]map[string]float64)
	b.durationSamples = make(map[string][]float64)
	return s
}

// Flush submits buffered metrics and resets the buffers. Buffers are reset
// even when submission fails.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is the pure half of Flush: a COUNT series per counter tag set
// and percentile gauges per step duration.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	var series []datadogV2.MetricSeries

	metricNames := make([]string, 0, len(s.counts))
	for name := range s.counts {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	for _, name := range metricNames {
		byTags := s.counts[name]
		keys := make([]string, 0, len(byTags))
		for k := range byTags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if byTags[k] == 0 {
				continue
			}
			series = append(series, countSeries(name, byTags[k], withTags(b.baseTags, splitTagKey(k)...), nowUnix))
		}
	}

	keys := make([]string, 0, len(s.durationSamples))
	for k := range s.durationSamples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		addPercentiles(&series, withTags(b.baseTags, splitTagKey(k)...), stepDurationMetric, s.durationSamples[k], nowUnix)
	}
	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. It sorts a copy
// of samples.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
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

// tagKey renders the given label keys as "k:v" tags joined by NUL. A missing
// label becomes "k:unknown".
func tagKey(keys []string, labels metrics.Labels) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		parts[i] = k + ":" + v
	}
	return strings.Join(parts, "\x00")
}

func splitTagKey(k string) []string {
	if k == "" {
		return nil
	}
	return strings.Split(k, "\x00")
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
