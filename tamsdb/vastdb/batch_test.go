package vastdb_test

import (
	"context"
	"fmt"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastmedia/tams/tamsdb/vastdb"
	"github.com/vastmedia/tams/tamsdb/vastdb/vastlocal"
)

func batchColMap(rows int) map[string][]interface{} {
	ids := make([]interface{}, rows)
	counts := make([]interface{}, rows)
	for i := 0; i < rows; i++ {
		ids[i] = fmt.Sprintf("seg-%05d", i)
		counts[i] = int64(i)
	}
	return map[string][]interface{}{"id": ids, "sample_count": counts}
}

func TestInsertBatchTransactionalHappyPath(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	pre, _ := store.Cache().Stats("segments")

	report, err := store.InsertBatchTransactional(ctx, "segments", batchColMap(5000), vastdb.BatchOptions{
		BatchSize:  1000,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 5000, report.TotalRows)
	assert.Equal(t, 5000, report.TotalInserted)
	assert.Zero(t, report.TotalFailed)
	assert.Equal(t, 5, report.BatchesTotal)
	assert.Equal(t, 5, report.BatchesSuccessful)
	assert.Zero(t, report.BatchesFailed)
	assert.Empty(t, report.FailedBatchIDs)
	assert.Len(t, report.BatchDetails, 5)
	assert.Greater(t, report.InsertionRate, 0.0)

	post, ok := store.Cache().Stats("segments")
	require.True(t, ok)
	assert.Equal(t, pre.TotalRows+5000, post.TotalRows)
}

func TestInsertBatchTransactionalRetriesTransientFailures(t *testing.T) {
	store, engine := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	// first two insert calls fail, the retry round lands them
	engine.FailInserts(2)

	report, err := store.InsertBatchTransactional(ctx, "segments", batchColMap(500), vastdb.BatchOptions{
		BatchSize:  100,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 500, report.TotalInserted)

	retried := 0
	for _, d := range report.BatchDetails {
		assert.Equal(t, vastdb.BatchSuccess, d.Status)
		if d.Attempts > 1 {
			retried++
		}
	}
	assert.Equal(t, 2, retried)
}

func TestInsertBatchTransactionalSurfacesPartialFailure(t *testing.T) {
	store, engine := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	// enough failures to exhaust every retry of one batch:
	// 5 batches, 1 retry round -> the same injected failure count must cover
	// all attempts of at least one chunk
	engine.FailInserts(100)

	report, err := store.InsertBatchTransactional(ctx, "segments", batchColMap(500), vastdb.BatchOptions{
		BatchSize:  100,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	assert.False(t, report.Success)
	assert.Equal(t, 5, report.BatchesFailed)
	assert.Equal(t, 500, report.TotalFailed)
	assert.Zero(t, report.TotalInserted)
	assert.Len(t, report.FailedBatchIDs, 5)

	for _, id := range report.FailedBatchIDs {
		d := report.BatchDetails[id]
		require.NotNil(t, d)
		assert.Equal(t, vastdb.BatchFailed, d.Status)
		assert.NotEmpty(t, d.Error)
		assert.Equal(t, 2, d.Attempts) // initial + one retry round
	}

	// row counts stay consistent with the per-batch reports
	total := 0
	for _, d := range report.BatchDetails {
		total += d.RowCount
	}
	assert.Equal(t, report.TotalRows, total)

	// cleanup is a logging affair only; it must not panic on report data
	store.CleanupPartialInsertion("segments", report.FailedBatchIDs, report.BatchDetails)
}

func TestInsertBatchTransactionalCancellation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	report, err := store.InsertBatchTransactional(cancelled, "segments", batchColMap(300), vastdb.BatchOptions{
		BatchSize:  100,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	assert.False(t, report.Success)
	for _, d := range report.BatchDetails {
		assert.Equal(t, vastdb.BatchCancelled, d.Status)
	}
}

// Both insert paths must keep the cached row count in step with what landed;
// the planner sizes every later query from that stat.
func TestInsertBatchEfficientUpdatesCachedRowCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	pre, ok := store.Cache().Stats("segments")
	require.True(t, ok)

	// 3 batches <= parallel threshold: sequential mode
	inserted, err := store.InsertBatchEfficient(ctx, "segments", batchColMap(300), vastdb.BatchOptions{
		BatchSize: 100,
	})
	require.NoError(t, err)
	require.Equal(t, 300, inserted)

	post, ok := store.Cache().Stats("segments")
	require.True(t, ok)
	assert.Equal(t, pre.TotalRows+300, post.TotalRows)

	// parallel mode accounts the same way
	inserted, err = store.InsertBatchEfficient(ctx, "segments", batchColMap(2000), vastdb.BatchOptions{
		BatchSize:  100,
		MaxWorkers: 4,
	})
	require.NoError(t, err)
	require.Equal(t, 2000, inserted)

	post, ok = store.Cache().Stats("segments")
	require.True(t, ok)
	assert.Equal(t, pre.TotalRows+2300, post.TotalRows)
}

// A work queue too small for the batch count must not fail the insert or
// mislabel chunks as cancelled; the round finishes sequentially.
func TestInsertBatchFallsBackWhenQueueIsFull(t *testing.T) {
	engine := vastlocal.New("tams-bucket")
	store := vastdb.NewStore(vastdb.Config{
		Endpoints: []string{"vast-1"},
		Bucket:    "tams-bucket",
		Schema:    "tams",
		Batch: vastdb.BatchConfig{
			MaxWorkers:        2,
			ParallelThreshold: 1,
			QueueDepth:        2,
		},
	}, engine, nil, kitlog.NewNopLogger())
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	// 4 chunks exceed both the parallel threshold and the queue depth
	report, err := store.InsertBatchTransactional(ctx, "segments", batchColMap(400), vastdb.BatchOptions{
		BatchSize:  100,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 400, report.TotalInserted)
	for _, d := range report.BatchDetails {
		assert.Equal(t, vastdb.BatchSuccess, d.Status)
	}

	inserted, err := store.InsertBatchEfficient(ctx, "segments", batchColMap(400), vastdb.BatchOptions{
		BatchSize: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 400, inserted)
}

func TestInsertBatchEfficientContinuesPastFailures(t *testing.T) {
	store, engine := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	engine.FailInserts(1)

	// 3 batches <= parallel threshold: sequential mode
	inserted, err := store.InsertBatchEfficient(ctx, "segments", batchColMap(300), vastdb.BatchOptions{
		BatchSize: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, inserted)
}

func TestInsertBatchEfficientParallel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	// 20 batches > threshold(10): parallel path
	inserted, err := store.InsertBatchEfficient(ctx, "segments", batchColMap(2000), vastdb.BatchOptions{
		BatchSize:  100,
		MaxWorkers: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 2000, inserted)

	result, err := store.Select(ctx, "segments", vastdb.SelectOptions{Columns: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, 2000, result.NumRows())
}

func TestInsertBatchEmptyInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTable(ctx, "segments", segmentSchema, nil))

	inserted, err := store.InsertBatchEfficient(ctx, "segments", map[string][]interface{}{}, vastdb.BatchOptions{})
	require.NoError(t, err)
	assert.Zero(t, inserted)

	report, err := store.InsertBatchTransactional(ctx, "segments", map[string][]interface{}{}, vastdb.BatchOptions{})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Zero(t, report.TotalRows)
}
