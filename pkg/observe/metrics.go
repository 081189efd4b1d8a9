// Package observe carries the engine's instrumentation: statement and loader
// counters, flush timing, trace spans and logger construction. Sessions accept
// any Metrics implementation; the package ships a Prometheus recorder, a
// process-local expvar recorder and a no-op.
package observe

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives engine events. Implementations must be safe for use from a
// single session goroutine; the engine never calls them concurrently for one
// session.
type Metrics interface {
	// StatementIssued counts one statement of the given kind ("select",
	// "insert", "update", "delete") against a table.
	StatementIssued(kind, table string)
	// LoaderQuery counts one relationship load by strategy name.
	LoaderQuery(strategy string)
	// FlushObserved records one flush attempt with its duration and outcome.
	FlushObserved(d time.Duration, success bool)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) StatementIssued(string, string)    {}
func (NopMetrics) LoaderQuery(string)                {}
func (NopMetrics) FlushObserved(time.Duration, bool) {}

// PromMetrics records engine events into Prometheus collectors.
type PromMetrics struct {
	statements *prometheus.CounterVec
	loads      *prometheus.CounterVec
	flushes    *prometheus.HistogramVec
}

// NewPromMetrics constructs the collectors and registers them with reg.
func NewPromMetrics(reg prometheus.Registerer) (*PromMetrics, error) {
	m := &PromMetrics{
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ormcore_statements_total",
			Help: "Statements issued to the executor by kind and table.",
		}, []string{"kind", "table"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ormcore_loader_queries_total",
			Help: "Relationship loads by strategy.",
		}, []string{"strategy"}),
		flushes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ormcore_flush_duration_seconds",
			Help:    "Flush latency by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.statements, m.loads, m.flushes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("observe: register collector: %w", err)
		}
	}
	return m, nil
}

func (m *PromMetrics) StatementIssued(kind, table string) {
	m.statements.WithLabelValues(kind, table).Inc()
}

func (m *PromMetrics) LoaderQuery(strategy string) {
	m.loads.WithLabelValues(strategy).Inc()
}

func (m *PromMetrics) FlushObserved(d time.Duration, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	m.flushes.WithLabelValues(status).Observe(d.Seconds())
}

var expvarSeq uint64

// ExpvarMetrics publishes aggregate counters via expvar for deployments that
// prefer process-local metrics without a scrape endpoint.
type ExpvarMetrics struct {
	name string

	mu         sync.Mutex
	statements map[string]int64
	loads      map[string]int64
	flushMS    map[string]float64
	flushCount map[string]int64
}

// ExpvarSnapshot is the read-only view published under the expvar name.
type ExpvarSnapshot struct {
	Statements map[string]int64   `json:"statements_total"`
	Loads      map[string]int64   `json:"loader_queries_total"`
	FlushMS    map[string]float64 `json:"flush_ms_total"`
	Flushes    map[string]int64   `json:"flushes_total"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// NewExpvarMetrics constructs an expvar-backed recorder published under name,
// generating a unique name when empty.
func NewExpvarMetrics(name string) *ExpvarMetrics {
	if name == "" {
		name = fmt.Sprintf("ormcore_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	m := &ExpvarMetrics{
		name:       name,
		statements: make(map[string]int64),
		loads:      make(map[string]int64),
		flushMS:    make(map[string]float64),
		flushCount: make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return m.Snapshot() }))
	return m
}

// Name returns the expvar export name.
func (m *ExpvarMetrics) Name() string { return m.name }

// Snapshot copies the aggregated counters.
func (m *ExpvarMetrics) Snapshot() ExpvarSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := ExpvarSnapshot{
		Statements: make(map[string]int64, len(m.statements)),
		Loads:      make(map[string]int64, len(m.loads)),
		FlushMS:    make(map[string]float64, len(m.flushMS)),
		Flushes:    make(map[string]int64, len(m.flushCount)),
		RecordedAt: time.Now().UTC(),
	}
	for k, v := range m.statements {
		snap.Statements[k] = v
	}
	for k, v := range m.loads {
		snap.Loads[k] = v
	}
	for k, v := range m.flushMS {
		snap.FlushMS[k] = v
	}
	for k, v := range m.flushCount {
		snap.Flushes[k] = v
	}
	return snap
}

func (m *ExpvarMetrics) StatementIssued(kind, table string) {
	m.mu.Lock()
	m.statements[kind+":"+table]++
	m.mu.Unlock()
}

func (m *ExpvarMetrics) LoaderQuery(strategy string) {
	m.mu.Lock()
	m.loads[strategy]++
	m.mu.Unlock()
}

func (m *ExpvarMetrics) FlushObserved(d time.Duration, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	m.mu.Lock()
	m.flushMS[status] += float64(d) / float64(time.Millisecond)
	m.flushCount[status]++
	m.mu.Unlock()
}
