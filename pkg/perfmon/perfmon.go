// Package perfmon records per-query performance metrics in a bounded ring
// buffer and exposes rollups for slow-query hunting. Everything here is
// process-local and reconstructible.
package perfmon

import (
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultHistoryCap         = 1000
	DefaultSlowQueryThreshold = 5 * time.Second
)

var (
	metricQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tams",
		Name:      "query_duration_seconds",
		Help:      "Execution time of columnar store queries.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"query_type"})

	metricQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tams",
		Name:      "queries_total",
		Help:      "Total queries recorded, by outcome.",
	}, []string{"query_type", "status"})
)

// QueryMetric is one recorded query execution.
type QueryMetric struct {
	QueryType     string        `json:"query_type"`
	Table         string        `json:"table"`
	ExecutionTime time.Duration `json:"execution_time"`
	Rows          int           `json:"rows"`
	Splits        int           `json:"splits"`
	Subsplits     int           `json:"subsplits"`
	Timestamp     time.Time     `json:"timestamp"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

type Config struct {
	HistoryCap         int           `yaml:"history_cap" json:"history_cap"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

func (cfg *Config) ApplyDefaults() {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = DefaultSlowQueryThreshold
	}
}

// Monitor is the append-only metrics ring. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger kitlog.Logger

	mtx  sync.Mutex
	buf  []QueryMetric
	next int
	full bool
}

func New(cfg Config, logger kitlog.Logger) *Monitor {
	cfg.ApplyDefaults()
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		buf:    make([]QueryMetric, cfg.HistoryCap),
	}
}

// Record appends a metric, evicting the oldest entry when the ring is full.
// Recording a slow query emits a warning as a side effect.
func (m *Monitor) Record(qm QueryMetric) {
	if qm.Timestamp.IsZero() {
		qm.Timestamp = time.Now()
	}

	status := "success"
	if !qm.Success {
		status = "error"
	}
	metricQueryDuration.WithLabelValues(qm.QueryType).Observe(qm.ExecutionTime.Seconds())
	metricQueriesTotal.WithLabelValues(qm.QueryType, status).Inc()

	if qm.Success && qm.ExecutionTime >= m.cfg.SlowQueryThreshold {
		level.Warn(m.logger).Log("msg", "slow query detected",
			"query_type", qm.QueryType, "table", qm.Table,
			"execution_time", qm.ExecutionTime, "rows", qm.Rows)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.buf[m.next] = qm
	m.next++
	if m.next == len(m.buf) {
		m.next = 0
		m.full = true
	}
}

// Export returns a chronological snapshot of the ring.
func (m *Monitor) Export() []QueryMetric {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() []QueryMetric {
	if !m.full {
		out := make([]QueryMetric, m.next)
		copy(out, m.buf[:m.next])
		return out
	}
	out := make([]QueryMetric, 0, len(m.buf))
	out = append(out, m.buf[m.next:]...)
	out = append(out, m.buf[:m.next]...)
	return out
}
