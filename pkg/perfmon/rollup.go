package perfmon

import (
	"sort"
	"time"
)

// TypeStats is the per-query-type rollup inside a Summary.
type TypeStats struct {
	Count      int           `json:"count"`
	Failed     int           `json:"failed"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Summary is the windowed rollup of the metrics ring.
type Summary struct {
	Window       time.Duration        `json:"window"`
	TotalQueries int                  `json:"total_queries"`
	Successful   int                  `json:"successful"`
	Failed       int                  `json:"failed"`
	SuccessRate  float64              `json:"success_rate"`
	AvgLatency   time.Duration        `json:"avg_latency"`
	MaxLatency   time.Duration        `json:"max_latency"`
	ByType       map[string]TypeStats `json:"by_type"`
}

// TableSummary is the per-table rollup.
type TableSummary struct {
	Table        string        `json:"table"`
	Window       time.Duration `json:"window"`
	TotalQueries int           `json:"total_queries"`
	Failed       int           `json:"failed"`
	TotalRows    int           `json:"total_rows"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
}

// Summary rolls up all metrics recorded within the window. A zero window
// covers the whole ring.
func (m *Monitor) Summary(window time.Duration) Summary {
	metrics := m.inWindow(window, "")

	s := Summary{
		Window: window,
		ByType: map[string]TypeStats{},
	}
	var total time.Duration
	for _, qm := range metrics {
		s.TotalQueries++
		if qm.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		total += qm.ExecutionTime
		if qm.ExecutionTime > s.MaxLatency {
			s.MaxLatency = qm.ExecutionTime
		}

		ts := s.ByType[qm.QueryType]
		ts.Count++
		if !qm.Success {
			ts.Failed++
		}
		// accumulate; divided below
		ts.AvgLatency += qm.ExecutionTime
		s.ByType[qm.QueryType] = ts
	}

	if s.TotalQueries > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalQueries)
		s.AvgLatency = total / time.Duration(s.TotalQueries)
	}
	for qt, ts := range s.ByType {
		ts.AvgLatency /= time.Duration(ts.Count)
		s.ByType[qt] = ts
	}
	return s
}

// SlowQueries returns the slowest recorded queries at or above threshold,
// sorted by execution time descending. A zero threshold uses the configured
// slow-query threshold.
func (m *Monitor) SlowQueries(threshold time.Duration, limit int) []QueryMetric {
	if threshold <= 0 {
		threshold = m.cfg.SlowQueryThreshold
	}

	all := m.Export()
	slow := make([]QueryMetric, 0)
	for _, qm := range all {
		if qm.ExecutionTime >= threshold {
			slow = append(slow, qm)
		}
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].ExecutionTime > slow[j].ExecutionTime })
	if limit > 0 && len(slow) > limit {
		slow = slow[:limit]
	}
	return slow
}

// TablePerformance rolls up metrics for a single table within the window.
func (m *Monitor) TablePerformance(table string, window time.Duration) TableSummary {
	metrics := m.inWindow(window, table)

	s := TableSummary{Table: table, Window: window}
	var total time.Duration
	for _, qm := range metrics {
		s.TotalQueries++
		if !qm.Success {
			s.Failed++
		}
		s.TotalRows += qm.Rows
		total += qm.ExecutionTime
		if qm.ExecutionTime > s.MaxLatency {
			s.MaxLatency = qm.ExecutionTime
		}
	}
	if s.TotalQueries > 0 {
		s.AvgLatency = total / time.Duration(s.TotalQueries)
	}
	return s
}

func (m *Monitor) inWindow(window time.Duration, table string) []QueryMetric {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	all := m.Export()
	out := make([]QueryMetric, 0, len(all))
	for _, qm := range all {
		if !cutoff.IsZero() && qm.Timestamp.Before(cutoff) {
			continue
		}
		if table != "" && qm.Table != table {
			continue
		}
		out = append(out, qm)
	}
	return out
}
