package predicate

import (
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapScalars(t *testing.T) {
	e := FromMap(map[string]interface{}{
		"format": "urn:x-nmos:format:video",
		"count":  5,
		"live":   true,
	}, kitlog.NewNopLogger())

	require.Len(t, e.Clauses, 3)
	assert.Equal(t,
		"count = 5 AND format = 'urn:x-nmos:format:video' AND live = TRUE",
		e.SQL())
}

func TestFromMapOperators(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
		sql  string
	}{
		{
			"range",
			map[string]interface{}{"ts": map[string]interface{}{"gte": 10, "lt": 20}},
			"ts >= 10 AND ts < 20",
		},
		{
			"between",
			map[string]interface{}{"size": map[string]interface{}{"between": []interface{}{100, 200}}},
			"size BETWEEN 100 AND 200",
		},
		{
			"in",
			map[string]interface{}{"codec": map[string]interface{}{"in": []string{"h264", "h265"}}},
			"codec IN ('h264', 'h265')",
		},
		{
			"like family",
			map[string]interface{}{"label": map[string]interface{}{"contains": "cam"}},
			"label LIKE '%cam%'",
		},
		{
			"starts and ends",
			map[string]interface{}{"label": map[string]interface{}{"ends_with": "A", "starts_with": "Cam"}},
			"label LIKE '%A' AND label LIKE 'Cam%'",
		},
		{
			"null handling",
			map[string]interface{}{"deleted_at": nil},
			"deleted_at IS NULL",
		},
		{
			"not null",
			map[string]interface{}{"deleted_at": map[string]interface{}{"ne": nil}},
			"deleted_at IS NOT NULL",
		},
		{
			"quote escaping",
			map[string]interface{}{"label": "it's"},
			"label = 'it''s'",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := FromMap(tc.in, kitlog.NewNopLogger())
			assert.Equal(t, tc.sql, e.SQL())
		})
	}
}

func TestFromMapSkipsInvalidClauses(t *testing.T) {
	e := FromMap(map[string]interface{}{
		"a": map[string]interface{}{"wat": 1},                    // unknown op
		"b": map[string]interface{}{"between": []interface{}{1}}, // wrong arity
		"c": map[string]interface{}{"in": []interface{}{}},       // empty list
		"d": map[string]interface{}{"contains": 42},              // type mismatch
		"e": map[string]interface{}{"eq": "kept"},
	}, kitlog.NewNopLogger())

	require.Len(t, e.Clauses, 1)
	assert.Equal(t, "e = 'kept'", e.SQL())
}

func TestEmptyExprMatchesAll(t *testing.T) {
	e := FromMap(nil, kitlog.NewNopLogger())
	assert.True(t, e.Empty())
	assert.Equal(t, "", e.SQL())
	assert.True(t, e.Matches(map[string]interface{}{"anything": 1}))

	var nilExpr *Expr
	assert.True(t, nilExpr.Empty())
	assert.True(t, nilExpr.Matches(nil))
}

func TestMatches(t *testing.T) {
	row := map[string]interface{}{
		"format":       "urn:x-nmos:format:video",
		"sample_count": int64(1000),
		"label":        "Cam A",
		"soft_deleted": false,
	}

	tests := []struct {
		name  string
		expr  *Expr
		match bool
	}{
		{"eq string", Eq("format", "urn:x-nmos:format:video"), true},
		{"eq mismatch", Eq("format", "urn:x-nmos:format:audio"), false},
		{"numeric coercion", Eq("sample_count", 1000), true},
		{"gt", &Expr{Clauses: []Clause{{Column: "sample_count", Op: OpGt, Operand: 999}}}, true},
		{"between", &Expr{Clauses: []Clause{{Column: "sample_count", Op: OpBetween, Operand: []interface{}{500, 1500}}}}, true},
		{"in", &Expr{Clauses: []Clause{{Column: "label", Op: OpIn, Operand: []string{"Cam A", "Cam B"}}}}, true},
		{"contains", &Expr{Clauses: []Clause{{Column: "label", Op: OpContains, Operand: "am"}}}, true},
		{"starts_with miss", &Expr{Clauses: []Clause{{Column: "label", Op: OpStartsWith, Operand: "X"}}}, false},
		{"conjunction", Eq("format", "urn:x-nmos:format:video").And(NotDeleted()), true},
		{"conjunction fails", Eq("format", "urn:x-nmos:format:video").And(Clause{Column: "soft_deleted", Op: OpEq, Operand: true}), false},
		{"missing column is null", Eq("nope", nil), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, tc.expr.Matches(row))
		})
	}
}

func TestNotDeleted(t *testing.T) {
	c := NotDeleted()
	assert.Equal(t, "soft_deleted", c.Column)
	assert.True(t, c.matches(false))
	assert.False(t, c.matches(true))
}
