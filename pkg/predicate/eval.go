package predicate

import (
	"fmt"
	"strings"
)

// Matches evaluates the expression against a single row. It is the visitor
// counterpart of SQL(): engines that do not take text filters (the local
// engine, tests) evaluate the clause tree directly.
func (e *Expr) Matches(row map[string]interface{}) bool {
	if e.Empty() {
		return true
	}
	for _, c := range e.Clauses {
		if !c.matches(row[c.Column]) {
			return false
		}
	}
	return true
}

func (c Clause) matches(v interface{}) bool {
	switch c.Op {
	case OpEq:
		if c.Operand == nil {
			return v == nil
		}
		return equal(v, c.Operand)
	case OpNe:
		if c.Operand == nil {
			return v != nil
		}
		return v != nil && !equal(v, c.Operand)
	case OpGt:
		cmp, ok := compare(v, c.Operand)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := compare(v, c.Operand)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := compare(v, c.Operand)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := compare(v, c.Operand)
		return ok && cmp <= 0
	case OpBetween:
		list, _ := toList(c.Operand)
		lo, okLo := compare(v, list[0])
		hi, okHi := compare(v, list[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	case OpIn:
		list, _ := toList(c.Operand)
		for _, item := range list {
			if equal(v, item) {
				return true
			}
		}
		return false
	case OpContains:
		s, ok := v.(string)
		return ok && strings.Contains(s, c.Operand.(string))
	case OpStartsWith:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, c.Operand.(string))
	case OpEndsWith:
		s, ok := v.(string)
		return ok && strings.HasSuffix(s, c.Operand.(string))
	}
	return false
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	if as, aok := asString(a); aok {
		bs, bok := asString(b)
		return bok && as == bs
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return a == b
}

func compare(a, b interface{}) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}
