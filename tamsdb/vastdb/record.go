package vastdb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RecordBatch is a column-major set of rows. All columns must carry the same
// number of values.
type RecordBatch struct {
	Columns []string
	Data    map[string][]interface{}
}

// NewRecordBatch builds an empty batch over the given columns.
func NewRecordBatch(columns ...string) RecordBatch {
	data := make(map[string][]interface{}, len(columns))
	for _, c := range columns {
		data[c] = nil
	}
	return RecordBatch{Columns: columns, Data: data}
}

// NumRows returns the row count of the batch.
func (b RecordBatch) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Data[b.Columns[0]])
}

// Column returns the values of one column, or nil when absent.
func (b RecordBatch) Column(name string) []interface{} {
	return b.Data[name]
}

// Row materializes one row as a map. Out-of-range rows return nil.
func (b RecordBatch) Row(i int) map[string]interface{} {
	if i < 0 || i >= b.NumRows() {
		return nil
	}
	row := make(map[string]interface{}, len(b.Columns))
	for _, c := range b.Columns {
		row[c] = b.Data[c][i]
	}
	return row
}

// Validate checks that every column carries the same number of values.
func (b RecordBatch) Validate() error {
	if len(b.Columns) == 0 {
		return nil
	}
	want := len(b.Data[b.Columns[0]])
	for _, c := range b.Columns {
		vals, ok := b.Data[c]
		if !ok {
			return errors.Errorf("batch column %q has no data", c)
		}
		if len(vals) != want {
			return errors.Errorf("batch column %q has %d values, want %d", c, len(vals), want)
		}
	}
	return nil
}

// Slice returns the batch restricted to rows [from, to).
func (b RecordBatch) Slice(from, to int) RecordBatch {
	out := RecordBatch{
		Columns: b.Columns,
		Data:    make(map[string][]interface{}, len(b.Columns)),
	}
	for _, c := range b.Columns {
		out.Data[c] = b.Data[c][from:to]
	}
	return out
}

// BatchFromRows converts row-major input into a canonicalized column-major
// batch. Column order follows first appearance across rows.
func BatchFromRows(rows []map[string]interface{}) RecordBatch {
	batch := RecordBatch{Data: map[string][]interface{}{}}
	for _, row := range rows {
		for col := range row {
			if _, ok := batch.Data[col]; !ok {
				batch.Columns = append(batch.Columns, col)
				batch.Data[col] = nil
			}
		}
	}
	for _, row := range rows {
		for _, col := range batch.Columns {
			batch.Data[col] = append(batch.Data[col], Canonicalize(row[col]))
		}
	}
	return batch
}

// BatchFromColumns canonicalizes a column map into a batch. Column order is
// taken from the columns argument when given; otherwise it follows map
// iteration and callers needing a stable order must pass one.
func BatchFromColumns(colMap map[string][]interface{}, columns ...string) RecordBatch {
	if len(columns) == 0 {
		for col := range colMap {
			columns = append(columns, col)
		}
	}
	batch := RecordBatch{Columns: columns, Data: make(map[string][]interface{}, len(columns))}
	for _, col := range columns {
		vals := make([]interface{}, len(colMap[col]))
		for i, v := range colMap[col] {
			vals[i] = Canonicalize(v)
		}
		batch.Data[col] = vals
	}
	return batch
}

// Canonicalize normalizes values at the store boundary: UUIDs become their
// canonical string form and nested maps/lists serialize to JSON text. The
// columnar engine treats serialized structures as opaque strings; callers
// parse them back.
func Canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case map[string]interface{}, []interface{}, map[string]string:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return v
	}
}
