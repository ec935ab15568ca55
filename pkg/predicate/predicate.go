// Package predicate compiles declarative column predicates into the filter
// forms consumed by the columnar store: a structured clause tree for engines
// that evaluate predicates natively and a flat SQL-like string for engines
// that take text filters.
package predicate

import (
	"fmt"
	"sort"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Op enumerates the supported clause operators.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpBetween    Op = "between"
	OpIn         Op = "in"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
)

var knownOps = map[Op]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpBetween: {}, OpIn: {}, OpContains: {}, OpStartsWith: {}, OpEndsWith: {},
}

// Clause is a single column comparison. Between and In carry list operands.
type Clause struct {
	Column  string
	Op      Op
	Operand interface{}
}

// Expr is a conjunction of clauses. The zero value matches all rows.
type Expr struct {
	Clauses []Clause
}

// Empty reports whether the expression matches all rows.
func (e *Expr) Empty() bool {
	return e == nil || len(e.Clauses) == 0
}

// And returns e extended with an extra clause.
func (e *Expr) And(c Clause) *Expr {
	if e == nil {
		return &Expr{Clauses: []Clause{c}}
	}
	out := &Expr{Clauses: make([]Clause, 0, len(e.Clauses)+1)}
	out.Clauses = append(out.Clauses, e.Clauses...)
	out.Clauses = append(out.Clauses, c)
	return out
}

// Eq builds a single-clause equality expression.
func Eq(column string, v interface{}) *Expr {
	return &Expr{Clauses: []Clause{{Column: column, Op: OpEq, Operand: v}}}
}

// NotDeleted is the soft-delete post-filter applied by default reads.
func NotDeleted() Clause {
	return Clause{Column: "soft_deleted", Op: OpEq, Operand: false}
}

// FromMap builds an expression from the wire form: column -> scalar means
// equality, column -> {op: operand} carries explicit operators. Invalid
// clauses are logged and skipped; the query never fails on them.
func FromMap(m map[string]interface{}, logger kitlog.Logger) *Expr {
	if len(m) == 0 {
		return &Expr{}
	}

	// deterministic clause order for stable SQL output
	columns := make([]string, 0, len(m))
	for col := range m {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	e := &Expr{}
	for _, col := range columns {
		switch v := m[col].(type) {
		case map[string]interface{}:
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				c := Clause{Column: col, Op: Op(op), Operand: v[op]}
				if err := c.validate(); err != nil {
					level.Warn(logger).Log("msg", "skipping predicate clause", "column", col, "op", op, "err", err)
					continue
				}
				e.Clauses = append(e.Clauses, c)
			}
		default:
			e.Clauses = append(e.Clauses, Clause{Column: col, Op: OpEq, Operand: v})
		}
	}
	return e
}

func (c Clause) validate() error {
	if _, ok := knownOps[c.Op]; !ok {
		return fmt.Errorf("unknown operator %q", c.Op)
	}

	switch c.Op {
	case OpBetween:
		list, ok := toList(c.Operand)
		if !ok || len(list) != 2 {
			return fmt.Errorf("between requires a 2-element sequence")
		}
	case OpIn:
		list, ok := toList(c.Operand)
		if !ok || len(list) == 0 {
			return fmt.Errorf("in requires a non-empty sequence")
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if _, ok := c.Operand.(string); !ok {
			return fmt.Errorf("%s requires a string operand", c.Op)
		}
	}
	return nil
}

func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// SQL renders the flat SQL-like filter string. An empty expression renders to
// the empty string (match-all).
func (e *Expr) SQL() string {
	if e.Empty() {
		return ""
	}

	parts := make([]string, 0, len(e.Clauses))
	for _, c := range e.Clauses {
		if s := c.sql(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " AND ")
}

func (c Clause) sql() string {
	switch c.Op {
	case OpEq:
		if c.Operand == nil {
			return fmt.Sprintf("%s IS NULL", c.Column)
		}
		return fmt.Sprintf("%s = %s", c.Column, literal(c.Operand))
	case OpNe:
		if c.Operand == nil {
			return fmt.Sprintf("%s IS NOT NULL", c.Column)
		}
		return fmt.Sprintf("%s != %s", c.Column, literal(c.Operand))
	case OpGt:
		return fmt.Sprintf("%s > %s", c.Column, literal(c.Operand))
	case OpGte:
		return fmt.Sprintf("%s >= %s", c.Column, literal(c.Operand))
	case OpLt:
		return fmt.Sprintf("%s < %s", c.Column, literal(c.Operand))
	case OpLte:
		return fmt.Sprintf("%s <= %s", c.Column, literal(c.Operand))
	case OpBetween:
		list, _ := toList(c.Operand)
		return fmt.Sprintf("%s BETWEEN %s AND %s", c.Column, literal(list[0]), literal(list[1]))
	case OpIn:
		list, _ := toList(c.Operand)
		vals := make([]string, len(list))
		for i, v := range list {
			vals[i] = literal(v)
		}
		return fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(vals, ", "))
	case OpContains:
		return fmt.Sprintf("%s LIKE %s", c.Column, literal("%"+c.Operand.(string)+"%"))
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE %s", c.Column, literal(c.Operand.(string)+"%"))
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE %s", c.Column, literal("%"+c.Operand.(string)))
	}
	return ""
}

func literal(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case fmt.Stringer:
		return literal(t.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}
