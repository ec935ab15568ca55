package vastlocal

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

type row struct {
	id     int64
	values map[string]interface{}
	dead   bool
}

type table struct {
	eng *Engine

	mtx         sync.Mutex
	name        string
	schema      vastdb.Schema
	projections map[string]vastdb.Projection
	rows        []*row
	nextRowID   int64
}

func (t *table) Name() string { return t.name }

func (t *table) Columns(_ context.Context) (vastdb.Schema, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append(vastdb.Schema(nil), t.schema...), nil
}

func (t *table) AddColumn(_ context.Context, col vastdb.Column) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.schema.Lookup(col.Name); ok {
		return errors.Errorf("column %q already exists on %s", col.Name, t.name)
	}
	t.schema = append(t.schema, col)
	return nil
}

func (t *table) Stats(_ context.Context) (vastdb.TableStats, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var live int64
	for _, r := range t.rows {
		if !r.dead {
			live++
		}
	}
	return vastdb.TableStats{TotalRows: live}, nil
}

func (t *table) Projections(_ context.Context) ([]vastdb.Projection, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := make([]vastdb.Projection, 0, len(t.projections))
	for _, p := range t.projections {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *table) CreateProjection(_ context.Context, name string, sorted, unsorted []string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.projections[name]; ok {
		return errors.Errorf("projection %q already exists on %s", name, t.name)
	}
	t.projections[name] = vastdb.Projection{Name: name, Sorted: sorted, Unsorted: unsorted}
	return nil
}

func (t *table) DropProjection(_ context.Context, name string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.projections[name]; !ok {
		return errors.Errorf("projection %q does not exist on %s", name, t.name)
	}
	delete(t.projections, name)
	return nil
}

func (t *table) Select(_ context.Context, columns []string, pred *predicate.Expr, includeRowID bool, _ vastdb.QueryConfig) (vastdb.RecordBatch, error) {
	if takeFailure(&t.eng.selectFailures) {
		return vastdb.RecordBatch{}, errors.New("injected select failure")
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	// nil means all columns; an explicit empty slice projects row ids only
	if columns == nil {
		columns = t.schema.Names()
	}
	for _, c := range columns {
		if _, ok := t.schema.Lookup(c); !ok {
			return vastdb.RecordBatch{}, errors.Wrapf(vastdb.ErrUnknownColumn, "column %q", c)
		}
	}

	outCols := columns
	if includeRowID {
		outCols = append([]string{vastdb.RowIDColumn}, columns...)
	}
	result := vastdb.NewRecordBatch(outCols...)

	for _, r := range t.rows {
		if r.dead {
			continue
		}
		if pred != nil && !pred.Matches(r.values) {
			continue
		}
		if includeRowID {
			result.Data[vastdb.RowIDColumn] = append(result.Data[vastdb.RowIDColumn], r.id)
		}
		for _, c := range columns {
			result.Data[c] = append(result.Data[c], r.values[c])
		}
	}
	return result, nil
}

func (t *table) Insert(_ context.Context, batch vastdb.RecordBatch) error {
	if takeFailure(&t.eng.insertFailures) {
		return errors.New("injected insert failure")
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, c := range batch.Columns {
		if _, ok := t.schema.Lookup(c); !ok {
			return errors.Wrapf(vastdb.ErrUnknownColumn, "column %q", c)
		}
	}

	for i := 0; i < batch.NumRows(); i++ {
		values := make(map[string]interface{}, len(t.schema))
		for _, c := range batch.Columns {
			values[c] = batch.Data[c][i]
		}
		t.rows = append(t.rows, &row{id: t.nextRowID, values: values})
		t.nextRowID++
	}
	return nil
}

func (t *table) Update(_ context.Context, batch vastdb.RecordBatch) error {
	rowIDs := batch.Column(vastdb.RowIDColumn)
	if rowIDs == nil {
		return errors.Errorf("update batch for %s is missing %s", t.name, vastdb.RowIDColumn)
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	byID := t.rowsByID()
	for i, idv := range rowIDs {
		id, ok := idv.(int64)
		if !ok {
			return errors.Errorf("bad row id %v", idv)
		}
		r, ok := byID[id]
		if !ok || r.dead {
			continue
		}
		for _, c := range batch.Columns {
			if c == vastdb.RowIDColumn {
				continue
			}
			r.values[c] = batch.Data[c][i]
		}
	}
	return nil
}

func (t *table) Delete(_ context.Context, batch vastdb.RecordBatch) error {
	rowIDs := batch.Column(vastdb.RowIDColumn)
	if rowIDs == nil {
		return errors.Errorf("delete batch for %s is missing %s", t.name, vastdb.RowIDColumn)
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	byID := t.rowsByID()
	for _, idv := range rowIDs {
		id, ok := idv.(int64)
		if !ok {
			return errors.Errorf("bad row id %v", idv)
		}
		if r, ok := byID[id]; ok {
			r.dead = true
		}
	}
	return nil
}

func (t *table) rowsByID() map[int64]*row {
	byID := make(map[int64]*row, len(t.rows))
	for _, r := range t.rows {
		byID[r.id] = r
	}
	return byID
}
