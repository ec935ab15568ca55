package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	_ "modernc.org/sqlite"

	"github.com/vastmedia/tams/pkg/predicate"
	"github.com/vastmedia/tams/tamsdb/vastdb"
)

// ErrHybridDisabled is returned when the embedded engine failed to
// initialize. Callers must not silently fall back.
var ErrHybridDisabled = errors.New("hybrid analytics disabled: embedded engine unavailable")

// Hybrid extracts filtered columns from the columnar store, materializes
// them into a temporary table in an embedded SQLite engine, and runs
// analytic SQL there. The handle is single-threaded; calls serialize on it.
type Hybrid struct {
	mtx    sync.Mutex
	db     *sql.DB
	store  *vastdb.Store
	logger gkLog.Logger
	seq    atomic.Int64
}

// NewHybrid opens the embedded engine. On failure the returned Hybrid is
// permanently disabled and every call reports ErrHybridDisabled.
func NewHybrid(store *vastdb.Store, logger gkLog.Logger) *Hybrid {
	h := &Hybrid{store: store, logger: logger}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		level.Warn(logger).Log("msg", "hybrid analytics disabled", "err", err)
		return h
	}
	// a single in-memory connection; more would each see a private database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		level.Warn(logger).Log("msg", "hybrid analytics disabled", "err", err)
		_ = db.Close()
		return h
	}

	h.db = db
	return h
}

func (h *Hybrid) Enabled() bool { return h.db != nil }

func (h *Hybrid) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

// Run extracts columns via the columnar store, materializes them into a
// uniquely-named temp table, executes the SQL produced by build(tmpTable),
// and returns the result column-major. The temp table is dropped on every
// path.
func (h *Hybrid) Run(ctx context.Context, table string, columns []string, pred *predicate.Expr, build func(tmpTable string) string) (map[string][]interface{}, error) {
	if h.db == nil {
		return nil, ErrHybridDisabled
	}

	batch, err := h.store.Select(ctx, table, vastdb.SelectOptions{
		Columns:   columns,
		Predicate: pred,
		Request:   vastdb.QueryRequest{Aggregation: true},
	})
	if err != nil {
		return nil, errors.Wrap(err, "extracting columns for hybrid analytics")
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()

	tmp := fmt.Sprintf("hybrid_%d_%d", time.Now().UnixNano(), h.seq.Inc())
	if err := h.materialize(ctx, tmp, columns, batch); err != nil {
		h.drop(tmp)
		return nil, err
	}
	defer h.drop(tmp)

	rows, err := h.db.QueryContext(ctx, build(tmp))
	if err != nil {
		return nil, errors.Wrap(err, "running hybrid analytic query")
	}
	defer rows.Close()

	return columnMajor(rows)
}

// Percentiles computes continuous (linearly interpolated) percentiles of a
// column. Ordering happens in the embedded engine; the interpolation between
// the two bracketing rows happens here.
func (h *Hybrid) Percentiles(ctx context.Context, table, column string, percentiles []float64, pred *predicate.Expr) (map[float64]float64, error) {
	result, err := h.Run(ctx, table, []string{column}, pred, func(tmp string) string {
		return fmt.Sprintf(`SELECT %s AS v FROM %s WHERE %s IS NOT NULL ORDER BY v`, quoteIdent(column), tmp, quoteIdent(column))
	})
	if err != nil {
		return nil, err
	}

	var sorted []float64
	for _, raw := range result["v"] {
		if v, ok := asFloat(raw); ok {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return nil, errors.Errorf("no numeric values in %s.%s", table, column)
	}

	out := make(map[float64]float64, len(percentiles))
	for _, p := range percentiles {
		out[p] = interpolate(sorted, p)
	}
	return out, nil
}

// Correlation computes Pearson r between two columns. The sums run as
// analytic SQL; the final division happens here.
func (h *Hybrid) Correlation(ctx context.Context, table, columnX, columnY string, pred *predicate.Expr) (float64, error) {
	x, y := quoteIdent(columnX), quoteIdent(columnY)
	result, err := h.Run(ctx, table, []string{columnX, columnY}, pred, func(tmp string) string {
		return fmt.Sprintf(
			`SELECT COUNT(*) AS n, SUM(%[1]s) AS sx, SUM(%[2]s) AS sy, SUM(%[1]s*%[2]s) AS sxy, SUM(%[1]s*%[1]s) AS sxx, SUM(%[2]s*%[2]s) AS syy
			 FROM %[3]s WHERE %[1]s IS NOT NULL AND %[2]s IS NOT NULL`,
			x, y, tmp)
	})
	if err != nil {
		return 0, err
	}

	n, _ := asFloat(first(result["n"]))
	if n < 2 {
		return 0, errors.Errorf("correlation needs at least 2 rows, have %.0f", n)
	}
	sx, _ := asFloat(first(result["sx"]))
	sy, _ := asFloat(first(result["sy"]))
	sxy, _ := asFloat(first(result["sxy"]))
	sxx, _ := asFloat(first(result["sxx"]))
	syy, _ := asFloat(first(result["syy"]))

	den := math.Sqrt(n*sxx-sx*sx) * math.Sqrt(n*syy-sy*sy)
	if den == 0 {
		return 0, errors.New("correlation undefined: zero variance")
	}
	return (n*sxy - sx*sy) / den, nil
}

// MovingWindow computes a trailing moving average with SQL window functions,
// frame rows wide, ordered by the time column.
func (h *Hybrid) MovingWindow(ctx context.Context, table, valueColumn, timeColumn string, frame int, pred *predicate.Expr) (map[string][]interface{}, error) {
	if frame < 1 {
		frame = 1
	}
	v, t := quoteIdent(valueColumn), quoteIdent(timeColumn)
	return h.Run(ctx, table, []string{valueColumn, timeColumn}, pred, func(tmp string) string {
		return fmt.Sprintf(
			`SELECT %[2]s AS ts, %[1]s AS value,
			        AVG(%[1]s) OVER (ORDER BY %[2]s ROWS BETWEEN %[3]d PRECEDING AND CURRENT ROW) AS moving_avg
			 FROM %[4]s ORDER BY ts`,
			v, t, frame-1, tmp)
	})
}

func (h *Hybrid) materialize(ctx context.Context, tmp string, columns []string, batch vastdb.RecordBatch) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c) + " " + sqliteAffinity(batch.Column(c))
	}
	_, err := h.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", tmp, strings.Join(defs, ", ")))
	if err != nil {
		return errors.Wrapf(err, "creating temp table %s", tmp)
	}

	if batch.NumRows() == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning temp table load")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", tmp, placeholders))
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "preparing temp table insert")
	}
	defer stmt.Close()

	args := make([]interface{}, len(columns))
	for i := 0; i < batch.NumRows(); i++ {
		for j, c := range columns {
			args[j] = batch.Data[c][i]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "loading row %d into %s", i, tmp)
		}
	}
	return tx.Commit()
}

// drop removes the temp table. It runs on failure paths too, so it only
// logs its own errors.
func (h *Hybrid) drop(tmp string) {
	if _, err := h.db.Exec("DROP TABLE IF EXISTS " + tmp); err != nil {
		level.Warn(h.logger).Log("msg", "failed to drop hybrid temp table", "table", tmp, "err", err)
	}
}

func columnMajor(rows *sql.Rows) (map[string][]interface{}, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "reading result columns")
	}

	out := make(map[string][]interface{}, len(names))
	for _, n := range names {
		out[n] = []interface{}{}
	}

	scan := make([]interface{}, len(names))
	for i := range scan {
		scan[i] = new(interface{})
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, errors.Wrap(err, "scanning result row")
		}
		for i, n := range names {
			out[n] = append(out[n], *(scan[i].(*interface{})))
		}
	}
	return out, rows.Err()
}

// interpolate returns the continuous percentile p (0..100) of a sorted
// slice, linearly interpolating between the bracketing ranks.
func interpolate(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func sqliteAffinity(values []interface{}) string {
	for _, v := range values {
		switch v.(type) {
		case nil:
			continue
		case int, int32, int64, uint64, bool:
			return "INTEGER"
		case float32, float64:
			return "REAL"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func first(vs []interface{}) interface{} {
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}
