// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package. The ETL is a one-shot job with nothing to
// scrape, so collected metrics are pushed on Flush.
package prompush

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"songetl/internal/metrics"
)

const defaultPushTimeout = 10 * time.Second

// Backend implements metrics.Backend on a private registry.
type Backend struct {
	url string
	job string

	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	histos   map[string]*prometheus.HistogramVec
}

// NewBackend registers the songetl collectors and returns a backend that
// pushes them to the Pushgateway at url under job.
func NewBackend(job, url string) (*Backend, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("prompush: pushgateway url is required")
	}
	job = strings.TrimSpace(job)
	if job == "" {
		job = "songetl"
	}

	b := &Backend{
		url:      url,
		job:      job,
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		histos:   make(map[string]*prometheus.HistogramVec),
	}

	counters := []struct {
		name, help string
		labels     []string
	}{
		{metrics.FilesTotal, "Input files processed, by kind and outcome.", []string{"kind", "status"}},
		{metrics.RowsTotal, "Rows written or rejected, by table.", []string{"table", "status"}},
		{metrics.LookupsTotal, "Song lookups for plays, by result.", []string{"result"}},
		{metrics.IssuesTotal, "Recorded issues, by kind.", []string{"kind"}},
		{metrics.StepTotal, "Pipeline steps, by outcome.", []string{"step", "status"}},
	}
	for _, c := range counters {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: c.name, Help: c.help}, c.labels)
		if err := b.reg.Register(vec); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", c.name, err)
		}
		b.counters[c.name] = vec
	}

	steps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metrics.StepDurationSeconds,
		Help:    "Pipeline step duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"step", "status"})
	if err := b.reg.Register(steps); err != nil {
		return nil, fmt.Errorf("prompush: register %s: %w", metrics.StepDurationSeconds, err)
	}
	b.histos[metrics.StepDurationSeconds] = steps

	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names and label sets that
// do not match the collector are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	vec, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	vec, ok := b.histos[name]
	if !ok || value < 0 {
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

// Registry exposes the backing registry, mainly for tests.
func (b *Backend) Registry() *prometheus.Registry { return b.reg }

// Flush pushes every collected metric, replacing the job's previous group.
func (b *Backend) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPushTimeout)
	defer cancel()
	return b.PushContext(ctx)
}

func (b *Backend) PushContext(ctx context.Context) error {
	if err := push.New(b.url, b.job).Gatherer(b.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("prompush: push to %s: %w", b.url, err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)
