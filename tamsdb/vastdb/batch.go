package vastdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/tamsdb/vastdb/endpoint"
)

// BatchStatus is the lifecycle state of one chunk in a transactional insert.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRetrying  BatchStatus = "retrying"
	BatchSuccess   BatchStatus = "success"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchDetail tracks one chunk through the retry loop.
type BatchDetail struct {
	BatchID      string      `json:"batch_id"`
	Status       BatchStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	Error        string      `json:"error,omitempty"`
	RowsInserted int         `json:"rows_inserted"`
	StartRow     int         `json:"start_row"`
	EndRow       int         `json:"end_row"`
	RowCount     int         `json:"row_count"`
}

// BatchReport is the structured outcome of a transactional-safe insert. The
// store provides no cross-batch rollback, so partial failure is surfaced
// here, never hidden: Success is true iff every batch landed.
type BatchReport struct {
	Success           bool                    `json:"success"`
	TotalRows         int                     `json:"total_rows"`
	TotalInserted     int                     `json:"total_inserted"`
	TotalFailed       int                     `json:"total_failed"`
	BatchesTotal      int                     `json:"batches_total"`
	BatchesSuccessful int                     `json:"batches_successful"`
	BatchesFailed     int                     `json:"batches_failed"`
	ExecutionTime     time.Duration           `json:"execution_time"`
	InsertionRate     float64                 `json:"insertion_rate"`
	BatchDetails      map[string]*BatchDetail `json:"batch_details"`
	FailedBatchIDs    []string                `json:"failed_batch_ids"`
}

// BatchOptions tune one batch-insert call. Zero values fall back to the
// store's configured batch tuning.
type BatchOptions struct {
	BatchSize  int
	MaxWorkers int
	MaxRetries int
	// EnableRollback is advisory only: the store cannot roll back across
	// batches, so setting it just logs a warning.
	EnableRollback bool
}

func (o *BatchOptions) applyDefaults(cfg BatchConfig) {
	if o.BatchSize <= 0 {
		o.BatchSize = cfg.BatchSize
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = cfg.MaxWorkers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = cfg.MaxRetries
	}
}

type batchChunk struct {
	detail *BatchDetail
	data   RecordBatch
}

// chunk slices a canonicalized column map into batches of up to batchSize
// rows.
func chunkColumns(colMap map[string][]interface{}, batchSize int) ([]*batchChunk, int, error) {
	batch := BatchFromColumns(colMap)
	if err := batch.Validate(); err != nil {
		return nil, 0, err
	}

	totalRows := batch.NumRows()
	chunks := make([]*batchChunk, 0, (totalRows+batchSize-1)/batchSize)
	for start := 0; start < totalRows; start += batchSize {
		end := start + batchSize
		if end > totalRows {
			end = totalRows
		}
		id := fmt.Sprintf("batch_%04d", len(chunks))
		chunks = append(chunks, &batchChunk{
			detail: &BatchDetail{
				BatchID:  id,
				Status:   BatchPending,
				StartRow: start,
				EndRow:   end,
				RowCount: end - start,
			},
			data: batch.Slice(start, end),
		})
	}
	return chunks, totalRows, nil
}

// InsertBatchEfficient is the best-effort chunked insert: failures are logged
// and skipped, the total number of rows inserted is returned.
func (s *Store) InsertBatchEfficient(ctx context.Context, table string, colMap map[string][]interface{}, opts BatchOptions) (int, error) {
	opts.applyDefaults(s.cfg.Batch)

	chunks, _, err := chunkColumns(colMap, opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	run := func(ctx context.Context, payload interface{}) error {
		c := payload.(*batchChunk)
		if err := s.insertChunk(ctx, table, c); err != nil {
			level.Warn(s.logger).Log("msg", "batch insert failed, continuing", "table", table,
				"batch_id", c.detail.BatchID, "rows", c.detail.RowCount, "err", err)
		}
		return nil
	}

	if len(chunks) > s.cfg.Batch.ParallelThreshold && opts.MaxWorkers > 1 {
		payloads := make([]interface{}, len(chunks))
		for i, c := range chunks {
			payloads[i] = c
		}
		if err := s.pool.RunJobs(ctx, payloads, run); err != nil {
			level.Warn(s.logger).Log("msg", "parallel dispatch failed, finishing sequentially", "table", table, "err", err)
			for _, c := range chunks {
				if c.detail.Status == BatchPending {
					_ = run(ctx, c)
				}
			}
		}
	} else {
		for _, c := range chunks {
			_ = run(ctx, c)
		}
	}

	inserted := 0
	for _, c := range chunks {
		inserted += c.detail.RowsInserted
	}
	if inserted > 0 {
		s.cache.AddRows(table, int64(inserted))
	}
	return inserted, nil
}

// InsertBatchTransactional is the transactional-safe chunked insert: every
// chunk is tracked through a bounded retry loop and the outcome is returned
// as a structured per-batch report. The caller decides whether to retry,
// compensate, or accept a partial failure.
func (s *Store) InsertBatchTransactional(ctx context.Context, table string, colMap map[string][]interface{}, opts BatchOptions) (*BatchReport, error) {
	opts.applyDefaults(s.cfg.Batch)

	if opts.EnableRollback {
		level.Warn(s.logger).Log("msg", "rollback requested but the store provides no cross-batch rollback; flag is advisory", "table", table)
	}

	start := time.Now()
	chunks, totalRows, err := chunkColumns(colMap, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: opts.MaxRetries + 1,
	})

	for round := 0; round <= opts.MaxRetries; round++ {
		pending := pendingChunks(chunks)
		if len(pending) == 0 {
			break
		}
		if round > 0 {
			boff.Wait()
			if boff.Err() != nil {
				break
			}
		}

		s.runBatchRound(ctx, table, pending, opts)
	}

	// anything still retrying after the final round is terminally failed;
	// anything never submitted because of cancellation is cancelled
	for _, c := range chunks {
		switch c.detail.Status {
		case BatchPending:
			c.detail.Status = BatchCancelled
		case BatchRetrying:
			c.detail.Status = BatchFailed
		}
	}

	report := buildReport(chunks, totalRows, time.Since(start))
	s.cache.AddRows(table, int64(report.TotalInserted))

	level.Info(s.logger).Log("msg", "transactional batch insert finished", "table", table,
		"rows", humanize.Comma(int64(report.TotalRows)),
		"inserted", humanize.Comma(int64(report.TotalInserted)),
		"batches_failed", report.BatchesFailed,
		"rate_rows_per_s", fmt.Sprintf("%.0f", report.InsertionRate))

	return report, nil
}

// runBatchRound executes one retry round, parallel when the chunk count
// exceeds the parallel threshold and more than one worker is allowed.
func (s *Store) runBatchRound(ctx context.Context, table string, pending []*batchChunk, opts BatchOptions) {
	run := func(ctx context.Context, payload interface{}) error {
		c := payload.(*batchChunk)

		select {
		case <-ctx.Done():
			// never started; the report marks it cancelled
			if c.detail.Attempts == 0 {
				c.detail.Status = BatchCancelled
				c.detail.Error = ctx.Err().Error()
			}
			return nil
		default:
		}

		// in-flight batches run to completion even if the caller cancels
		_ = s.insertChunk(context.WithoutCancel(ctx), table, c)
		return nil
	}

	if len(pending) > s.cfg.Batch.ParallelThreshold && opts.MaxWorkers > 1 {
		attempts := make([]int, len(pending))
		payloads := make([]interface{}, len(pending))
		for i, c := range pending {
			attempts[i] = c.detail.Attempts
			payloads[i] = c
		}
		if err := s.pool.RunJobs(ctx, payloads, run); err != nil {
			// chunks the queue never accepted still owe this round an attempt;
			// a queue overflow must not masquerade as a caller cancellation
			level.Warn(s.logger).Log("msg", "batch round dispatch failed, finishing sequentially", "table", table, "err", err)
			for i, c := range pending {
				if c.detail.Attempts == attempts[i] {
					_ = run(ctx, c)
				}
			}
		}
		return
	}

	for _, c := range pending {
		_ = run(ctx, c)
	}
}

// insertChunk attempts a single chunk and updates its tracked detail.
func (s *Store) insertChunk(ctx context.Context, table string, c *batchChunk) error {
	c.detail.Attempts++

	err := s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		return tbl.Insert(ctx, c.data)
	})
	if err != nil {
		c.detail.Status = BatchRetrying
		c.detail.Error = err.Error()
		return err
	}

	c.detail.Status = BatchSuccess
	c.detail.Error = ""
	c.detail.RowsInserted = c.detail.RowCount
	return nil
}

func pendingChunks(chunks []*batchChunk) []*batchChunk {
	out := make([]*batchChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.detail.Status == BatchPending || c.detail.Status == BatchRetrying {
			out = append(out, c)
		}
	}
	return out
}

func buildReport(chunks []*batchChunk, totalRows int, elapsed time.Duration) *BatchReport {
	report := &BatchReport{
		TotalRows:     totalRows,
		BatchesTotal:  len(chunks),
		ExecutionTime: elapsed,
		BatchDetails:  make(map[string]*BatchDetail, len(chunks)),
	}

	for _, c := range chunks {
		report.BatchDetails[c.detail.BatchID] = c.detail
		switch c.detail.Status {
		case BatchSuccess:
			report.BatchesSuccessful++
			report.TotalInserted += c.detail.RowsInserted
		case BatchFailed:
			report.BatchesFailed++
			report.TotalFailed += c.detail.RowCount
			report.FailedBatchIDs = append(report.FailedBatchIDs, c.detail.BatchID)
		case BatchCancelled:
			report.TotalFailed += c.detail.RowCount
		}
	}
	sort.Strings(report.FailedBatchIDs)

	report.Success = report.BatchesFailed == 0 && report.TotalInserted == report.TotalRows
	if elapsed > 0 {
		report.InsertionRate = float64(report.TotalInserted) / elapsed.Seconds()
	}
	return report
}

// CleanupPartialInsertion emits a structured failure log for the batches
// that never landed, suitable for manual recovery. The store cannot undo
// the batches that did land.
func (s *Store) CleanupPartialInsertion(table string, failedIDs []string, details map[string]*BatchDetail) {
	for _, id := range failedIDs {
		d, ok := details[id]
		if !ok {
			continue
		}
		detail, _ := json.Marshal(d)
		level.Error(s.logger).Log("msg", "partial batch insertion requires manual recovery",
			"table", table, "batch_id", id, "detail", string(detail))
	}
	if len(failedIDs) > 0 {
		level.Error(s.logger).Log("msg", "partial insertion summary", "table", table,
			"failed_batches", len(failedIDs),
			"err", errors.Errorf("%d batches failed terminally", len(failedIDs)))
	}
}
