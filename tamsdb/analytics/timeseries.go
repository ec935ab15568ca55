// Package analytics computes time-series rollups and statistical analyses
// over columnar tables. Simple aggregations run in-process over extracted
// columns; continuous percentiles, Pearson correlation and windowed SQL run
// in an embedded SQLite engine (see hybrid.go).
package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// Grain is the time bucket width for windowed aggregations.
type Grain string

const (
	GrainMinute Grain = "minute"
	GrainHour   Grain = "hour"
	GrainDay    Grain = "day"
	GrainWeek   Grain = "week"
	GrainMonth  Grain = "month"
)

// Truncate floors an epoch-seconds timestamp to the start of its bucket.
func (g Grain) Truncate(ts float64) (float64, error) {
	t := time.Unix(int64(ts), 0).UTC()
	switch g {
	case GrainMinute:
		t = t.Truncate(time.Minute)
	case GrainHour:
		t = t.Truncate(time.Hour)
	case GrainDay:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GrainWeek:
		// weeks start on Monday
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(t.Weekday()) + 6) % 7
		t = t.AddDate(0, 0, -offset)
	case GrainMonth:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return 0, errors.Errorf("unknown window grain %q", g)
	}
	return float64(t.Unix()), nil
}

// WindowPoint is one bucket of a windowed aggregation.
type WindowPoint struct {
	WindowStart float64 `json:"window_start"`
	Avg         float64 `json:"avg"`
	Count       int     `json:"count"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	StdDev      float64 `json:"stddev"`
}

// TrendReport reduces a windowed series to its direction.
type TrendReport struct {
	Trend         string  `json:"trend"`
	Slope         float64 `json:"slope"`
	First         float64 `json:"first"`
	Last          float64 `json:"last"`
	ChangePercent float64 `json:"change_percent"`
	Periods       int     `json:"periods"`
}

// Anomaly is a row whose value deviates from the dataset mean by more than
// the requested number of standard deviations.
type Anomaly struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
}

// HistogramBin is one bucket of a value distribution.
type HistogramBin struct {
	Bin        int     `json:"bin"`
	Range      string  `json:"range"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TopEntry is one group of a top-N aggregation.
type TopEntry struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// trends flip from stable once the series moved more than this much
const stableChangePercent = 5.0

// Analyzer runs analytics against one columnar store.
type Analyzer struct {
	store  *vastdb.Store
	hybrid *Hybrid
	logger gkLog.Logger
}

func NewAnalyzer(store *vastdb.Store, hybrid *Hybrid, logger gkLog.Logger) *Analyzer {
	return &Analyzer{store: store, hybrid: hybrid, logger: logger}
}

// MovingAverage buckets valueColumn by the grain-truncated timeColumn and
// reports avg/count/min/max/stddev per bucket, ordered by window start.
func (a *Analyzer) MovingAverage(ctx context.Context, table, valueColumn, timeColumn string, grain Grain, pred *predicate.Expr) ([]WindowPoint, error) {
	values, times, err := a.extract(ctx, table, valueColumn, timeColumn, pred)
	if err != nil {
		return nil, err
	}

	buckets := map[float64][]float64{}
	for i, v := range values {
		start, err := grain.Truncate(times[i])
		if err != nil {
			return nil, err
		}
		buckets[start] = append(buckets[start], v)
	}

	starts := make([]float64, 0, len(buckets))
	for s := range buckets {
		starts = append(starts, s)
	}
	sort.Float64s(starts)

	out := make([]WindowPoint, 0, len(starts))
	for _, s := range starts {
		vs := buckets[s]
		mean, stddev := meanStdDev(vs)
		mn, mx := vs[0], vs[0]
		for _, v := range vs[1:] {
			mn = math.Min(mn, v)
			mx = math.Max(mx, v)
		}
		out = append(out, WindowPoint{
			WindowStart: s,
			Avg:         mean,
			Count:       len(vs),
			Min:         mn,
			Max:         mx,
			StdDev:      stddev,
		})
	}
	return out, nil
}

// Trend fits the windowed averages and classifies the series direction.
func (a *Analyzer) Trend(ctx context.Context, table, valueColumn, timeColumn string, grain Grain, pred *predicate.Expr) (TrendReport, error) {
	series, err := a.MovingAverage(ctx, table, valueColumn, timeColumn, grain, pred)
	if err != nil {
		return TrendReport{}, err
	}
	if len(series) < 2 {
		return TrendReport{Trend: "stable", Periods: len(series)}, nil
	}

	// least-squares slope with the window index as x
	n := float64(len(series))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range series {
		x := float64(i)
		sumX += x
		sumY += p.Avg
		sumXY += x * p.Avg
		sumXX += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)

	first := series[0].Avg
	last := series[len(series)-1].Avg
	change := 0.0
	if first != 0 {
		change = (last - first) / math.Abs(first) * 100
	}

	trend := "stable"
	switch {
	case change > stableChangePercent:
		trend = "increasing"
	case change < -stableChangePercent:
		trend = "decreasing"
	}

	return TrendReport{
		Trend:         trend,
		Slope:         slope,
		First:         first,
		Last:          last,
		ChangePercent: change,
		Periods:       len(series),
	}, nil
}

// Anomalies returns rows whose value sits more than threshold standard
// deviations from the dataset mean, with their z-scores.
func (a *Analyzer) Anomalies(ctx context.Context, table, valueColumn, timeColumn string, threshold float64, pred *predicate.Expr) ([]Anomaly, error) {
	if threshold <= 0 {
		threshold = 3
	}

	values, times, err := a.extract(ctx, table, valueColumn, timeColumn, pred)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	mean, stddev := meanStdDev(values)
	if stddev == 0 {
		return nil, nil
	}

	var out []Anomaly
	for i, v := range values {
		z := (v - mean) / stddev
		if math.Abs(z) > threshold {
			out = append(out, Anomaly{Timestamp: times[i], Value: v, ZScore: z})
		}
	}
	return out, nil
}

// Histogram derives equal-width bins from the observed min/max and counts
// values into them.
func (a *Analyzer) Histogram(ctx context.Context, table, valueColumn string, bins int, pred *predicate.Expr) ([]HistogramBin, error) {
	if bins <= 0 {
		bins = 10
	}

	values, err := a.extractColumn(ctx, table, valueColumn, pred)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	mn, mx := values[0], values[0]
	for _, v := range values[1:] {
		mn = math.Min(mn, v)
		mx = math.Max(mx, v)
	}
	if mn == mx {
		return []HistogramBin{{
			Bin:        0,
			Range:      formatRange(mn, mx),
			Count:      len(values),
			Percentage: 100,
		}}, nil
	}

	width := (mx - mn) / float64(bins)
	counts := make([]int, bins)
	for _, v := range values {
		b := int((v - mn) / width)
		if b >= bins { // max value lands in the last bin
			b = bins - 1
		}
		counts[b]++
	}

	total := float64(len(values))
	out := make([]HistogramBin, bins)
	for i := range out {
		lo := mn + float64(i)*width
		out[i] = HistogramBin{
			Bin:        i,
			Range:      formatRange(lo, lo+width),
			Count:      counts[i],
			Percentage: float64(counts[i]) / total * 100,
		}
	}
	return out, nil
}

// TopN groups by column and returns the N most frequent values.
func (a *Analyzer) TopN(ctx context.Context, table, groupColumn string, n int, pred *predicate.Expr) ([]TopEntry, error) {
	if n <= 0 {
		n = 10
	}

	result, err := a.store.Select(ctx, table, vastdb.SelectOptions{
		Columns:   []string{groupColumn},
		Predicate: pred,
		Request:   vastdb.QueryRequest{Aggregation: true},
	})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, v := range result.Column(groupColumn) {
		counts[asString(v)]++
	}

	out := make([]TopEntry, 0, len(counts))
	for v, c := range counts {
		out = append(out, TopEntry{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Percentiles delegates to the embedded engine; the columnar interface has
// no continuous-percentile pushdown.
func (a *Analyzer) Percentiles(ctx context.Context, table, valueColumn string, percentiles []float64, pred *predicate.Expr) (map[float64]float64, error) {
	if a.hybrid == nil || !a.hybrid.Enabled() {
		return nil, ErrHybridDisabled
	}
	return a.hybrid.Percentiles(ctx, table, valueColumn, percentiles, pred)
}

// Correlation delegates Pearson r to the embedded engine.
func (a *Analyzer) Correlation(ctx context.Context, table, columnX, columnY string, pred *predicate.Expr) (float64, error) {
	if a.hybrid == nil || !a.hybrid.Enabled() {
		return 0, ErrHybridDisabled
	}
	return a.hybrid.Correlation(ctx, table, columnX, columnY, pred)
}

func (a *Analyzer) extract(ctx context.Context, table, valueColumn, timeColumn string, pred *predicate.Expr) (values, times []float64, err error) {
	result, err := a.store.Select(ctx, table, vastdb.SelectOptions{
		Columns:   []string{valueColumn, timeColumn},
		Predicate: pred,
		Request:   vastdb.QueryRequest{Aggregation: true},
	})
	if err != nil {
		return nil, nil, err
	}

	rawValues := result.Column(valueColumn)
	rawTimes := result.Column(timeColumn)
	for i := range rawValues {
		v, okV := asFloat(rawValues[i])
		ts, okT := asFloat(rawTimes[i])
		if !okV || !okT {
			level.Debug(a.logger).Log("msg", "skipping non-numeric row in analytics extract", "table", table, "row", i)
			continue
		}
		values = append(values, v)
		times = append(times, ts)
	}
	return values, times, nil
}

func (a *Analyzer) extractColumn(ctx context.Context, table, column string, pred *predicate.Expr) ([]float64, error) {
	result, err := a.store.Select(ctx, table, vastdb.SelectOptions{
		Columns:   []string{column},
		Predicate: pred,
		Request:   vastdb.QueryRequest{Aggregation: true},
	})
	if err != nil {
		return nil, err
	}

	var out []float64
	for _, raw := range result.Column(column) {
		if v, ok := asFloat(raw); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func meanStdDev(vs []float64) (mean, stddev float64) {
	if len(vs) == 0 {
		return 0, 0
	}
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))

	var ss float64
	for _, v := range vs {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(vs)))
}

func formatRange(lo, hi float64) string {
	return trimFloat(lo) + "-" + trimFloat(hi)
}
