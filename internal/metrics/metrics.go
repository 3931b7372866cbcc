// Package metrics is a small facade the ETL records into. A backend
// (Datadog, Prometheus Pushgateway) is installed once at startup; until then
// every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names. Backends translate them to their own naming scheme.
const (
	FilesTotal          = "songetl_files_total"
	RowsTotal           = "songetl_rows_total"
	LookupsTotal        = "songetl_lookups_total"
	IssuesTotal         = "songetl_issues_total"
	StepTotal           = "songetl_step_total"
	StepDurationSeconds = "songetl_step_duration_seconds"
)

type Labels map[string]string

type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
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

// Flush flushes the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordFile counts one processed file. kind is "song" or "log"; status is
// "ok", "malformed" or "failed".
func RecordFile(kind, status string) {
	current().IncCounter(FilesTotal, 1, Labels{"kind": kind, "status": status})
}

// RecordRows counts written and failed rows for one table.
func RecordRows(table string, written, failed int) {
	b := current()
	if written > 0 {
		b.IncCounter(RowsTotal, float64(written), Labels{"table": table, "status": "written"})
	}
	if failed > 0 {
		b.IncCounter(RowsTotal, float64(failed), Labels{"table": table, "status": "failed"})
	}
}

// RecordLookup counts song lookups by outcome.
func RecordLookup(matched, missed, failed int) {
	b := current()
	for result, n := range map[string]int{"hit": matched, "miss": missed, "error": failed} {
		if n > 0 {
			b.IncCounter(LookupsTotal, float64(n), Labels{"result": result})
		}
	}
}

func RecordIssue(kind string) {
	current().IncCounter(IssuesTotal, 1, Labels{"kind": kind})
}

// RecordStep counts a pipeline step and observes its duration since start.
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, labels)
	b.ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), labels)
}
