package analytics_test

import (
	"context"
	"fmt"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastmedia/tams/tamsdb/analytics"
	"github.com/vastmedia/tams/tamsdb/vastdb"
	"github.com/vastmedia/tams/tamsdb/vastdb/vastlocal"
)

func newHybrid(t *testing.T) (*analytics.Hybrid, *vastdb.Store) {
	t.Helper()

	engine := vastlocal.New("tams-bucket")
	store := vastdb.NewStore(vastdb.Config{
		Endpoints: []string{"vast-1"},
		Bucket:    "tams-bucket",
		Schema:    "tams",
	}, engine, nil, kitlog.NewNopLogger())
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Connect(context.Background()))
	require.NoError(t, store.CreateTable(context.Background(), "metrics", metricsSchema, nil))

	hybrid := analytics.NewHybrid(store, kitlog.NewNopLogger())
	require.True(t, hybrid.Enabled())
	t.Cleanup(func() { _ = hybrid.Close() })

	return hybrid, store
}

func TestHybridPercentiles(t *testing.T) {
	hybrid, store := newHybrid(t)

	ts := make([]float64, 100)
	vals := make([]float64, 100)
	for i := range vals {
		ts[i] = float64(i)
		vals[i] = float64(i + 1) // 1..100
	}
	insertMetrics(t, store, ts, vals, "h264")

	ps, err := hybrid.Percentiles(context.Background(), "metrics", "bitrate", []float64{50, 95, 100}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50.5, ps[50], 0.001)
	assert.InDelta(t, 95.05, ps[95], 0.001)
	assert.Equal(t, 100.0, ps[100])
}

func TestHybridCorrelation(t *testing.T) {
	hybrid, store := newHybrid(t)

	// ts and bitrate perfectly linear
	ts := []float64{1, 2, 3, 4, 5}
	vals := []float64{10, 20, 30, 40, 50}
	insertMetrics(t, store, ts, vals, "h264")

	r, err := hybrid.Correlation(context.Background(), "metrics", "ts", "bitrate", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 0.0001)
}

func TestHybridCorrelationZeroVariance(t *testing.T) {
	hybrid, store := newHybrid(t)
	insertMetrics(t, store, []float64{1, 2, 3}, []float64{7, 7, 7}, "h264")

	_, err := hybrid.Correlation(context.Background(), "metrics", "ts", "bitrate", nil)
	assert.Error(t, err)
}

func TestHybridMovingWindow(t *testing.T) {
	hybrid, store := newHybrid(t)

	insertMetrics(t, store, []float64{1, 2, 3, 4}, []float64{10, 20, 30, 40}, "h264")

	result, err := hybrid.MovingWindow(context.Background(), "metrics", "bitrate", "ts", 2, nil)
	require.NoError(t, err)
	require.Len(t, result["moving_avg"], 4)

	// trailing 2-row average: 10, 15, 25, 35
	want := []float64{10, 15, 25, 35}
	for i, raw := range result["moving_avg"] {
		got, ok := raw.(float64)
		require.True(t, ok, fmt.Sprintf("row %d: %T", i, raw))
		assert.InDelta(t, want[i], got, 0.001)
	}
}

func TestHybridDropsTempTables(t *testing.T) {
	hybrid, store := newHybrid(t)
	insertMetrics(t, store, []float64{1}, []float64{1}, "h264")

	_, err := hybrid.Run(context.Background(), "metrics", []string{"bitrate"}, nil, func(tmp string) string {
		return "SELECT COUNT(*) AS n FROM " + tmp
	})
	require.NoError(t, err)

	// only the in-flight temp table may exist during a Run
	result, err := hybrid.Run(context.Background(), "metrics", []string{"bitrate"}, nil, func(tmp string) string {
		return `SELECT COUNT(*) AS n FROM sqlite_master WHERE type = 'table' AND name LIKE 'hybrid_%'`
	})
	require.NoError(t, err)
	require.Len(t, result["n"], 1)
	assert.EqualValues(t, int64(1), result["n"][0])
}

func TestHybridDisabled(t *testing.T) {
	a := analytics.NewAnalyzer(nil, nil, kitlog.NewNopLogger())

	_, err := a.Percentiles(context.Background(), "metrics", "bitrate", []float64{50}, nil)
	assert.ErrorIs(t, err, analytics.ErrHybridDisabled)

	_, err = a.Correlation(context.Background(), "metrics", "ts", "bitrate", nil)
	assert.ErrorIs(t, err, analytics.ErrHybridDisabled)
}
