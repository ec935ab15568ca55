// Package vastdb is the columnar-table layer of the TAMS store: table and
// projection lifecycle, row/column/batch ingestion, predicated select with
// internal row ids, in-place update/delete, query planning and the metadata
// cache. The columnar engine itself is an external system consumed through
// the interfaces in this file; vastlocal provides an in-memory implementation
// for tests and development.
package vastdb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/vastmedia/tams/pkg/predicate"
)

// RowIDColumn is the engine's internal row identifier, materialized on demand
// by Select and consumed by Update/Delete batches.
const RowIDColumn = "$row_id"

var (
	ErrTableDoesNotExist  = errors.New("table does not exist")
	ErrSchemaDoesNotExist = errors.New("schema does not exist")
	ErrBucketDoesNotExist = errors.New("bucket does not exist")
	ErrUnknownColumn      = errors.New("unknown column")
)

// Column is a named, typed field. Types are opaque descriptor strings;
// schema compatibility is string equality on them.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is an ordered set of columns.
type Schema []Column

func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Matches reports whether the two schemas have identical field names and
// type descriptors, independent of column order.
func (s Schema) Matches(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for _, c := range s {
		oc, ok := o.Lookup(c.Name)
		if !ok || oc.Type != c.Type {
			return false
		}
	}
	return true
}

// NewColumns returns the columns of s that are absent from o.
func (s Schema) NewColumns(existing Schema) Schema {
	var added Schema
	for _, c := range s {
		if _, ok := existing.Lookup(c.Name); !ok {
			added = append(added, c)
		}
	}
	return added
}

// TableStats is the cached per-table statistic set.
type TableStats struct {
	TotalRows int64 `json:"total_rows"`
}

// Projection is a secondary data organization maintained by the engine.
type Projection struct {
	Name     string   `json:"name"`
	Sorted   []string `json:"sorted"`
	Unsorted []string `json:"unsorted"`
}

// QueryConfig is the planner's fan-out tuning handed to the engine.
type QueryConfig struct {
	NumSplits                int
	NumSubSplits             int
	LimitRowsPerSubSplit     int
	QueryDataRowsLimit       int
	UseSemiSortedProjections bool
}

// SessionOptions binds a session to credentials and a timeout.
type SessionOptions struct {
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// Engine dials sessions against a single endpoint of the columnar store.
type Engine interface {
	Open(ctx context.Context, endpoint string, opts SessionOptions) (Session, error)
}

// Session is an open connection scoped to one endpoint.
type Session interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	SchemaExists(ctx context.Context, bucket, schema string) (bool, error)
	CreateSchema(ctx context.Context, bucket, schema string) error
	ListTables(ctx context.Context, bucket, schema string) ([]string, error)

	// Table returns a handle or ErrTableDoesNotExist.
	Table(ctx context.Context, bucket, schema, name string) (Table, error)
	CreateTable(ctx context.Context, bucket, schema, name string, tableSchema Schema) (Table, error)

	Close() error
}

// Table is the engine-side table handle used within a transactional scope.
type Table interface {
	Name() string

	Columns(ctx context.Context) (Schema, error)
	AddColumn(ctx context.Context, col Column) error
	Stats(ctx context.Context) (TableStats, error)

	Projections(ctx context.Context) ([]Projection, error)
	CreateProjection(ctx context.Context, name string, sorted, unsorted []string) error
	DropProjection(ctx context.Context, name string) error

	// Select returns a column-major result. When includeRowID is set the
	// result carries RowIDColumn alongside the requested columns.
	Select(ctx context.Context, columns []string, pred *predicate.Expr, includeRowID bool, cfg QueryConfig) (RecordBatch, error)
	Insert(ctx context.Context, batch RecordBatch) error
	// Update applies a batch whose first column is RowIDColumn.
	Update(ctx context.Context, batch RecordBatch) error
	// Delete removes the rows named by the batch's RowIDColumn.
	Delete(ctx context.Context, batch RecordBatch) error
}
