package msgbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// selectorFunc evaluates a parsed selector against a message's user
// properties.
type selectorFunc func(*Message) bool

// ErrInvalidSelector is wrapped by selector parse errors.
var ErrInvalidSelector = errors.New("invalid selector")

// parseSelector compiles a selector expression restricting flow delivery
// by user properties. The grammar is a conjunction of comparisons:
//
//	prop = 'red' AND level = 3 AND urgent <> false
//
// String literals are single-quoted; numbers and the booleans true/false
// are bare. Comparisons against a missing property evaluate to false, as
// do type mismatches.
func parseSelector(expr string) (selectorFunc, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var clauses []selectorFunc
	for _, part := range splitAnd(expr) {
		clause, err := parseComparison(part)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}

	return func(m *Message) bool {
		for _, clause := range clauses {
			if !clause(m) {
				return false
			}
		}
		return true
	}, nil
}

// splitAnd splits on the AND keyword outside quoted literals.
func splitAnd(expr string) []string {
	var parts []string
	var inQuote bool
	last := 0

	upper := strings.ToUpper(expr)
	for i := 0; i+5 <= len(expr); i++ {
		if expr[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		if upper[i:i+5] == " AND " {
			parts = append(parts, expr[last:i])
			last = i + 5
			i += 4
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

func parseComparison(clause string) (selectorFunc, error) {
	clause = strings.TrimSpace(clause)

	op := "="
	idx := strings.Index(clause, "<>")
	if idx >= 0 {
		op = "<>"
	} else {
		idx = strings.Index(clause, "=")
		if idx < 0 {
			return nil, fmt.Errorf("%w: missing comparison in %q", ErrInvalidSelector, clause)
		}
	}

	key := strings.TrimSpace(clause[:idx])
	lit := strings.TrimSpace(clause[idx+len(op):])
	if key == "" || lit == "" {
		return nil, fmt.Errorf("%w: malformed comparison %q", ErrInvalidSelector, clause)
	}

	match, err := literalMatcher(lit)
	if err != nil {
		return nil, err
	}

	negate := op == "<>"
	return func(m *Message) bool {
		props := m.UserProperties()
		if props == nil {
			return false
		}
		field, ok := props.Get(key)
		if !ok {
			return false
		}
		eq := match(field)
		if negate {
			return !eq
		}
		return eq
	}, nil
}

// literalMatcher compiles one literal into a typed field comparison.
func literalMatcher(lit string) (func(SDTField) bool, error) {
	if strings.HasPrefix(lit, "'") {
		if !strings.HasSuffix(lit, "'") || len(lit) < 2 {
			return nil, fmt.Errorf("%w: unterminated string %q", ErrInvalidSelector, lit)
		}
		want := lit[1 : len(lit)-1]
		return func(f SDTField) bool {
			v, ok := f.AsString()
			return ok && v == want
		}, nil
	}

	switch lit {
	case "true", "false":
		want := lit == "true"
		return func(f SDTField) bool {
			v, ok := f.AsBool()
			return ok && v == want
		}, nil
	}

	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return func(f SDTField) bool {
			if v, ok := f.AsInt64(); ok {
				return v == n
			}
			if v, ok := f.AsUint64(); ok && n >= 0 {
				return v == uint64(n)
			}
			return false
		}, nil
	}

	return nil, fmt.Errorf("%w: unrecognized literal %q", ErrInvalidSelector, lit)
}
