package vastdb

// Query planning: fan-out tuning derived from cached table statistics. The
// planner never inspects predicates; predicate pushdown belongs to the
// engine.

const (
	maxSplits           = 8
	defaultRowsPerSplit = 4_000_000

	largeTableRows  = 10_000_000
	mediumTableRows = 1_000_000
	smallTableRows  = 100_000

	defaultRowsPerSubSplit    = 131_072
	smallTableRowsPerSubSplit = 10_000
	aggregationDataRowsLimit  = 262_144
)

// QueryRequest carries the caller's tuning hints for one query.
type QueryRequest struct {
	// Splits overrides the computed split count when > 0.
	Splits       int
	RowsPerSplit int

	// TimeRangeQuery marks queries filtered on a timerange column.
	TimeRangeQuery bool
	// ShortWindow marks timerange queries spanning a small window.
	ShortWindow bool
	// Aggregation marks group-by/aggregate scans.
	Aggregation bool
}

// Planner turns cached table stats and a request into an engine QueryConfig.
type Planner struct {
	cache *MetadataCache
}

func NewPlanner(cache *MetadataCache) *Planner {
	return &Planner{cache: cache}
}

func (p *Planner) Plan(table string, req QueryRequest) QueryConfig {
	var totalRows int64
	if stats, ok := p.cache.Stats(table); ok {
		totalRows = stats.TotalRows
	}
	return plan(totalRows, req)
}

func plan(totalRows int64, req QueryRequest) QueryConfig {
	rowsPerSplit := req.RowsPerSplit
	if rowsPerSplit <= 0 {
		rowsPerSplit = defaultRowsPerSplit
	}

	splits := req.Splits
	if splits <= 0 {
		splits = clamp(int(totalRows/int64(rowsPerSplit)), 1, maxSplits)
	}

	var subSplits int
	switch {
	case totalRows > largeTableRows:
		subSplits = 8
	case totalRows > mediumTableRows:
		subSplits = 4
	default:
		subSplits = 2
	}

	rowsPerSubSplit := defaultRowsPerSubSplit
	if totalRows < smallTableRows {
		rowsPerSubSplit = smallTableRowsPerSubSplit
	}

	dataRowsLimit := 0

	if req.TimeRangeQuery {
		// timerange scans benefit from subsplit parallelism within splits
		if subSplits < 8 {
			subSplits = 8
		}
		if req.ShortWindow && splits > 1 {
			splits = splits / 2
			if splits < 1 {
				splits = 1
			}
		}
	}

	if req.Aggregation {
		// fewer splits, more subsplits, lower memory high-water
		splits = clamp(splits/2, 1, maxSplits)
		subSplits *= 2
		if subSplits > 16 {
			subSplits = 16
		}
		dataRowsLimit = aggregationDataRowsLimit
	}

	return QueryConfig{
		NumSplits:                splits,
		NumSubSplits:             subSplits,
		LimitRowsPerSubSplit:     rowsPerSubSplit,
		QueryDataRowsLimit:       dataRowsLimit,
		UseSemiSortedProjections: true,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
