package vastdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanSplits(t *testing.T) {
	tests := []struct {
		name      string
		totalRows int64
		req       QueryRequest
		splits    int
		subSplits int
	}{
		{"tiny table lands on one split", 500, QueryRequest{}, 1, 2},
		{"small table", 90_000, QueryRequest{}, 1, 2},
		{"medium table", 8_000_000, QueryRequest{}, 2, 4},
		{"large table caps at max splits", 200_000_000, QueryRequest{}, 8, 8},
		{"explicit split override", 200_000_000, QueryRequest{Splits: 3}, 3, 8},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := plan(tc.totalRows, tc.req)
			assert.Equal(t, tc.splits, cfg.NumSplits)
			assert.Equal(t, tc.subSplits, cfg.NumSubSplits)
			assert.True(t, cfg.UseSemiSortedProjections)
		})
	}
}

func TestPlanRowLimits(t *testing.T) {
	small := plan(5_000, QueryRequest{})
	assert.Equal(t, smallTableRowsPerSubSplit, small.LimitRowsPerSubSplit)

	big := plan(50_000_000, QueryRequest{})
	assert.Equal(t, defaultRowsPerSubSplit, big.LimitRowsPerSubSplit)
}

func TestPlanTimeRange(t *testing.T) {
	cfg := plan(8_000_000, QueryRequest{TimeRangeQuery: true})
	assert.Equal(t, 8, cfg.NumSubSplits)
	assert.Equal(t, 2, cfg.NumSplits)

	short := plan(8_000_000, QueryRequest{TimeRangeQuery: true, ShortWindow: true})
	assert.Equal(t, 1, short.NumSplits)
}

func TestPlanAggregation(t *testing.T) {
	cfg := plan(50_000_000, QueryRequest{Aggregation: true})
	assert.Equal(t, 4, cfg.NumSplits) // halved from 8
	assert.Equal(t, 16, cfg.NumSubSplits)
	assert.Equal(t, aggregationDataRowsLimit, cfg.QueryDataRowsLimit)
}

func TestPlannerUsesCachedStats(t *testing.T) {
	cache := NewMetadataCache(0)
	cache.Update("segments", Schema{{Name: "id", Type: "string"}}, 50_000_000)

	p := NewPlanner(cache)
	cfg := p.Plan("segments", QueryRequest{})
	assert.Equal(t, 8, cfg.NumSplits)

	// unknown table plans conservatively
	cfg = p.Plan("nope", QueryRequest{})
	assert.Equal(t, 1, cfg.NumSplits)
	assert.Equal(t, 2, cfg.NumSubSplits)
}
