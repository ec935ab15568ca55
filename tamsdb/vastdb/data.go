package vastdb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb/endpoint"
)

// SelectOptions scope a predicated read.
type SelectOptions struct {
	Columns       []string
	Predicate     *predicate.Expr
	Limit         int
	IncludeRowIDs bool
	Request       QueryRequest
}

// InsertRow appends a single row.
func (s *Store) InsertRow(ctx context.Context, table string, row map[string]interface{}) error {
	_, err := s.InsertRows(ctx, table, []map[string]interface{}{row})
	return err
}

// InsertRows appends row-major input.
func (s *Store) InsertRows(ctx context.Context, table string, rows []map[string]interface{}) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return s.insertBatch(ctx, table, BatchFromRows(rows))
}

// InsertColumns is the canonical column-oriented insert path used by batch
// operations. UUIDs and nested structures are canonicalized to strings.
func (s *Store) InsertColumns(ctx context.Context, table string, colMap map[string][]interface{}) (int, error) {
	batch := BatchFromColumns(colMap)
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	return s.insertBatch(ctx, table, batch)
}

func (s *Store) insertBatch(ctx context.Context, table string, batch RecordBatch) (int, error) {
	start := time.Now()
	rows := batch.NumRows()

	err := s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		return tbl.Insert(ctx, batch)
	})
	s.record("insert", table, start, rows, QueryConfig{}, err)
	if err != nil {
		return 0, errors.Wrapf(err, "inserting %d rows into %s", rows, table)
	}

	s.cache.AddRows(table, int64(rows))
	return rows, nil
}

// Select runs a predicated read and returns a column-major result. With
// IncludeRowIDs the engine materializes RowIDColumn alongside user columns.
// Aggregation requests route through the analytics balancing policy; other
// reads use the query policy, biased by planned fan-out.
func (s *Store) Select(ctx context.Context, table string, opts SelectOptions) (RecordBatch, error) {
	start := time.Now()
	cfg := s.planner.Plan(table, opts.Request)

	var result RecordBatch
	run := func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		if _, ok := s.cache.Columns(table); !ok {
			s.refreshCacheQuietly(ctx, tbl)
		}
		result, err = tbl.Select(ctx, opts.Columns, opts.Predicate, opts.IncludeRowIDs, cfg)
		return err
	}

	var err error
	if opts.Request.Aggregation {
		err = s.mgr.Transaction(ctx, endpoint.OpAnalytics, run)
	} else {
		err = s.mgr.Query(ctx, cfg.NumSplits > 1, run)
	}
	s.record("select", table, start, result.NumRows(), cfg, err)
	if err != nil {
		return RecordBatch{}, errors.Wrapf(err, "selecting from %s", table)
	}

	if opts.Limit > 0 && result.NumRows() > opts.Limit {
		result = result.Slice(0, opts.Limit)
	}
	return result, nil
}

// Update sets the given columns on every row matching the predicate and
// returns the number of rows affected. A nil predicate affects nothing: the
// store never mass-mutates. Unknown columns reject the whole operation.
func (s *Store) Update(ctx context.Context, table string, values map[string]interface{}, pred *predicate.Expr) (int, error) {
	if pred == nil {
		return 0, nil
	}
	if len(values) == 0 {
		return 0, nil
	}

	start := time.Now()
	affected := 0
	cfg := s.planner.Plan(table, QueryRequest{})

	err := s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		schema, err := s.tableSchema(ctx, tx, table)
		if err != nil {
			return err
		}
		for col := range values {
			if _, ok := schema.Lookup(col); !ok {
				return errors.Wrapf(ErrUnknownColumn, "column %q in table %s", col, table)
			}
		}

		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}

		// materialize the target row ids, then apply one update batch
		matched, err := tbl.Select(ctx, []string{}, pred, true, cfg)
		if err != nil {
			return err
		}
		rowIDs := matched.Column(RowIDColumn)
		if len(rowIDs) == 0 {
			return nil
		}

		batch := NewRecordBatch(append([]string{RowIDColumn}, mapKeys(values)...)...)
		batch.Data[RowIDColumn] = rowIDs
		for col, v := range values {
			vals := make([]interface{}, len(rowIDs))
			canonical := Canonicalize(v)
			for i := range vals {
				vals[i] = canonical
			}
			batch.Data[col] = vals
		}

		if err := tbl.Update(ctx, batch); err != nil {
			return err
		}
		affected = len(rowIDs)
		return nil
	})
	s.record("update", table, start, affected, cfg, err)
	if err != nil {
		return 0, errors.Wrapf(err, "updating %s", table)
	}
	return affected, nil
}

// Delete removes every row matching the predicate and returns the number of
// rows affected. A nil predicate deletes nothing.
func (s *Store) Delete(ctx context.Context, table string, pred *predicate.Expr) (int, error) {
	if pred == nil {
		return 0, nil
	}

	start := time.Now()
	affected := 0
	cfg := s.planner.Plan(table, QueryRequest{})

	err := s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}

		matched, err := tbl.Select(ctx, []string{}, pred, true, cfg)
		if err != nil {
			return err
		}
		rowIDs := matched.Column(RowIDColumn)
		if len(rowIDs) == 0 {
			return nil
		}

		batch := NewRecordBatch(RowIDColumn)
		batch.Data[RowIDColumn] = rowIDs
		if err := tbl.Delete(ctx, batch); err != nil {
			return err
		}
		affected = len(rowIDs)
		return nil
	})
	s.record("delete", table, start, affected, cfg, err)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting from %s", table)
	}

	if affected > 0 {
		s.cache.AddRows(table, -int64(affected))
	}
	return affected, nil
}

func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
