// Package condition evaluates the small infix comparison language used by
// switch nodes: two scalar operands joined by ==, !=, <, <=, > or >=, or a
// bare true/false literal. Operands arrive already template-rendered.
package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// ErrCondition wraps every evaluation failure.
var ErrCondition = errors.New("condition error")

// Operators in scan order; two-character operators first so ">=" never
// parses as ">" followed by "=".
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Eval evaluates a rendered condition expression to a boolean.
func Eval(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	for _, op := range operators {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return false, fmt.Errorf("%w: missing operand in %q", ErrCondition, expr)
		}
		return compare(left, right, op)
	}
	return false, fmt.Errorf("%w: no operator in %q", ErrCondition, expr)
}

func compare(left, right, op string) (bool, error) {
	lf, lNum := parseNumber(stripQuotes(left))
	rf, rNum := parseNumber(stripQuotes(right))

	// Quoted operands are strings no matter what they contain.
	if isQuoted(left) {
		lNum = false
	}
	if isQuoted(right) {
		rNum = false
	}
	if lNum != rNum {
		return false, fmt.Errorf("%w: mixed string/number comparison %q %s %q", ErrCondition, left, op, right)
	}

	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	switch op {
	case "==":
		return stripQuotes(left) == stripQuotes(right), nil
	case "!=":
		return stripQuotes(left) != stripQuotes(right), nil
	default:
		return false, fmt.Errorf("%w: %q requires numeric operands", ErrCondition, op)
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	return (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')
}

// stripQuotes removes one matching pair of single or double quotes so
// `"a" == a` compares the same text either way.
func stripQuotes(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return cast.ToString(s)
}
