package vastdb

import (
	"context"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vastmedia/tams/tamsdb/vastdb/endpoint"
)

// CreateTable ensures a table with the given schema exists:
//
//   - missing: create it and install the given projections
//   - exists with a matching schema: no-op
//   - exists and the new schema only adds columns: evolve by adding them
//
// A type mismatch on an existing column is logged and skipped, never
// destructive. Projections map projection name to its column list; sorted
// columns follow the time-column default (see SplitProjectionColumns).
func (s *Store) CreateTable(ctx context.Context, name string, schema Schema, projections map[string][]string) error {
	return s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, name)
		switch {
		case errors.Is(err, ErrTableDoesNotExist):
			tbl, err = tx.CreateTable(ctx, name, schema)
			if err != nil {
				return errors.Wrapf(err, "creating table %s", name)
			}
			for projName, cols := range projections {
				sorted, unsorted := SplitProjectionColumns(cols)
				if err := tbl.CreateProjection(ctx, projName, sorted, unsorted); err != nil {
					return errors.Wrapf(err, "creating projection %s on %s", projName, name)
				}
			}
			s.cache.Update(name, schema, 0)
			level.Info(s.logger).Log("msg", "created table", "table", name, "columns", len(schema), "projections", len(projections))
			return nil

		case err != nil:
			return errors.Wrapf(err, "opening table %s", name)
		}

		existing, err := tbl.Columns(ctx)
		if err != nil {
			return errors.Wrapf(err, "reading schema of %s", name)
		}
		if existing.Matches(schema) {
			s.refreshCacheQuietly(ctx, tbl)
			return nil
		}

		// evolve: add-only. Mismatched types on existing columns are logged
		// no-ops.
		evolved := false
		for _, col := range schema {
			if have, ok := existing.Lookup(col.Name); ok {
				if have.Type != col.Type {
					level.Warn(s.logger).Log("msg", "column type mismatch, keeping existing type",
						"table", name, "column", col.Name, "existing", have.Type, "requested", col.Type)
				}
				continue
			}
			if err := tbl.AddColumn(ctx, col); err != nil {
				return errors.Wrapf(err, "adding column %s to %s", col.Name, name)
			}
			evolved = true
		}

		if evolved {
			s.cache.Invalidate(name)
			s.refreshCacheQuietly(ctx, tbl)
			level.Info(s.logger).Log("msg", "evolved table schema", "table", name)
		}
		return nil
	})
}

func (s *Store) refreshCacheQuietly(ctx context.Context, tbl Table) {
	if _, err := s.refreshMetadata(ctx, tbl); err != nil {
		level.Warn(s.logger).Log("msg", "failed to refresh table metadata", "table", tbl.Name(), "err", err)
	}
}

// SplitProjectionColumns applies the default sort rule: any column whose name
// contains "time" or "timestamp" is sorted, the rest are unsorted.
func SplitProjectionColumns(cols []string) (sorted, unsorted []string) {
	for _, c := range cols {
		if strings.Contains(strings.ToLower(c), "time") {
			sorted = append(sorted, c)
		} else {
			unsorted = append(unsorted, c)
		}
	}
	return sorted, unsorted
}

// AddProjection creates a projection over the given columns.
func (s *Store) AddProjection(ctx context.Context, table, name string, cols []string) error {
	return s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		sorted, unsorted := SplitProjectionColumns(cols)
		if err := tbl.CreateProjection(ctx, name, sorted, unsorted); err != nil {
			return errors.Wrapf(err, "creating projection %s on %s", name, table)
		}
		s.cache.Invalidate(table)
		return nil
	})
}

// DropProjection removes a projection.
func (s *Store) DropProjection(ctx context.Context, table, name string) error {
	return s.mgr.Transaction(ctx, endpoint.OpWrite, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		if err := tbl.DropProjection(ctx, name); err != nil {
			return errors.Wrapf(err, "dropping projection %s on %s", name, table)
		}
		s.cache.Invalidate(table)
		return nil
	})
}

// ListProjections enumerates the projections of a table.
func (s *Store) ListProjections(ctx context.Context, table string) ([]Projection, error) {
	var out []Projection
	err := s.mgr.Transaction(ctx, endpoint.OpRead, func(ctx context.Context, tx Tx) error {
		tbl, err := tx.Table(ctx, table)
		if err != nil {
			return err
		}
		out, err = tbl.Projections(ctx)
		return err
	})
	return out, err
}

// ListTables enumerates the tables of the configured schema.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	err := s.mgr.Transaction(ctx, endpoint.OpRead, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListTables(ctx)
		return err
	})
	return out, err
}
