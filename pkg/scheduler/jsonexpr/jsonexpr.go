// Package jsonexpr evaluates prefix-notation expressions written as JSON
// arrays, such as
//
//	["and", [">=", "$free_capacity_gb", 100], "$capabilities.enabled"]
//
// The first element of an array names the operator; the remaining elements
// are operands, which are literals, nested arrays, or "$dotted.path"
// variables resolved against an Env.
//
// Variables that do not resolve evaluate to nil. Comparisons and the
// logical operators skip nil operands, and a membership test with a nil
// operand is true, so a missing field never disqualifies a host on its own.
// Wrong arity and unknown operators are errors; callers treat them as a
// failed match.
package jsonexpr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/dittoshare/pkg/share"
)

// Env is the variable namespace. Nested maps are walked by dotted paths.
type Env map[string]any

// Resolve returns the value at a dotted path, or nil.
func (e Env) Resolve(path string) any {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(e)
	for _, p := range parts {
		if p == "" {
			return nil
		}
		switch m := cur.(type) {
		case map[string]any:
			cur = m[p]
		case Env:
			cur = m[p]
		case map[string]string:
			v, ok := m[p]
			if !ok {
				return nil
			}
			cur = v
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

type opFunc func(args []any) (any, error)

// Evaluator evaluates expressions with a fixed operator table.
type Evaluator struct {
	ops map[string]opFunc
}

// NewFilterEvaluator supports = < > <= >= in not or and.
func NewFilterEvaluator() *Evaluator {
	e := &Evaluator{ops: make(map[string]opFunc)}
	e.ops["="] = compareOp(func(c int) bool { return c == 0 })
	e.ops["<"] = compareOp(func(c int) bool { return c < 0 })
	e.ops[">"] = compareOp(func(c int) bool { return c > 0 })
	e.ops["<="] = compareOp(func(c int) bool { return c <= 0 })
	e.ops[">="] = compareOp(func(c int) bool { return c >= 0 })
	e.ops["in"] = inOp
	e.ops["not"] = notOp
	e.ops["or"] = orOp
	e.ops["and"] = andOp
	return e
}

// NewFunctionEvaluator extends the filter operators with + - * / max min,
// for backend-published filter and goodness functions.
func NewFunctionEvaluator() *Evaluator {
	e := NewFilterEvaluator()
	e.ops["+"] = foldOp(func(a, b float64) (float64, error) { return a + b, nil })
	e.ops["-"] = foldOp(func(a, b float64) (float64, error) { return a - b, nil })
	e.ops["*"] = foldOp(func(a, b float64) (float64, error) { return a * b, nil })
	e.ops["/"] = foldOp(func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	})
	e.ops["max"] = foldOp(func(a, b float64) (float64, error) { return max(a, b), nil })
	e.ops["min"] = foldOp(func(a, b float64) (float64, error) { return min(a, b), nil })
	return e
}

// Parse decodes a JSON query. Empty strings, [] and {} yield nil, which
// Passes treats as "no constraint".
func Parse(query string) (any, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var expr any
	if err := json.Unmarshal([]byte(query), &expr); err != nil {
		return nil, share.Errorf(share.KindInvalidInput, "invalid expression: %v", err)
	}
	switch v := expr.(type) {
	case []any:
		if len(v) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
		return nil, share.Errorf(share.KindInvalidInput, "expression must be an array")
	}
	return expr, nil
}

// Eval evaluates expr against env.
func (e *Evaluator) Eval(expr any, env Env) (any, error) {
	switch v := expr.(type) {
	case []any:
		return e.evalList(v, env)
	case string:
		if strings.HasPrefix(v, "$") {
			return env.Resolve(v[1:]), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func (e *Evaluator) evalList(list []any, env Env) (any, error) {
	if len(list) == 0 {
		return true, nil
	}
	name, ok := list[0].(string)
	if !ok {
		return nil, share.Errorf(share.KindInvalidInput, "operator must be a string, got %v", list[0])
	}
	op, ok := e.ops[name]
	if !ok {
		return nil, share.Errorf(share.KindInvalidInput, "unknown operator %q", name)
	}
	args := make([]any, 0, len(list)-1)
	for _, raw := range list[1:] {
		v, err := e.Eval(raw, env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return op(args)
}

// Passes evaluates query and folds the result into a boolean. A list result
// (from a multi-operand "not") passes if any element is true. A nil query
// passes.
func (e *Evaluator) Passes(query any, env Env) (bool, error) {
	if query == nil {
		return true, nil
	}
	res, err := e.Eval(query, env)
	if err != nil {
		return false, err
	}
	return Truthy(res), nil
}

// Truthy folds an evaluation result into a boolean.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		for _, el := range x {
			if Truthy(el) {
				return true
			}
		}
		return false
	}
	return true
}

// Number converts an evaluation result to float64. Booleans map to 1/0 and
// numeric strings are parsed.
func Number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func arityError(op string, n int) error {
	return share.Errorf(share.KindInvalidInput, "operator %q needs at least 2 operands, got %d", op, n)
}

// compare orders a and b. ok is false when they are not comparable; for
// equality-only mismatches (bool vs number) eqOnly comparisons still
// report inequality.
func compare(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ab == bb {
				return 0, true
			}
			return 1, false
		}
	}
	af, aok := Number(a)
	bf, bok := Number(b)
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if !aok || !bok || aBool || bBool {
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

// compareOp chains pred over consecutive non-nil operands, so
// ["<", 1, 2, 3] means 1 < 2 < 3.
func compareOp(pred func(int) bool) opFunc {
	return func(args []any) (any, error) {
		if len(args) < 2 {
			return nil, arityError("compare", len(args))
		}
		operands := dropNil(args)
		for i := 1; i < len(operands); i++ {
			c, ok := compare(operands[i-1], operands[i])
			if !ok || !pred(c) {
				return false, nil
			}
		}
		return true, nil
	}
}

func dropNil(args []any) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func inOp(args []any) (any, error) {
	if len(args) < 2 {
		return nil, arityError("in", len(args))
	}
	if args[0] == nil {
		return true, nil
	}
	for _, arg := range args[1:] {
		if arg == nil {
			return true, nil
		}
		if c, ok := compare(args[0], arg); ok && c == 0 {
			return true, nil
		}
	}
	return false, nil
}

func notOp(args []any) (any, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		out = append(out, !Truthy(a))
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// orOp is true if any operand is truthy. With only nil operands there is
// nothing to fail on.
func orOp(args []any) (any, error) {
	operands := dropNil(args)
	if len(operands) == 0 {
		return true, nil
	}
	for _, a := range operands {
		if Truthy(a) {
			return true, nil
		}
	}
	return false, nil
}

func andOp(args []any) (any, error) {
	for _, a := range dropNil(args) {
		if !Truthy(a) {
			return false, nil
		}
	}
	return true, nil
}

func foldOp(fn func(a, b float64) (float64, error)) opFunc {
	return func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, share.Errorf(share.KindInvalidInput, "arithmetic needs operands")
		}
		acc, ok := Number(args[0])
		if !ok {
			return nil, share.Errorf(share.KindInvalidInput, "not a number: %v", args[0])
		}
		for _, a := range args[1:] {
			n, ok := Number(a)
			if !ok {
				return nil, share.Errorf(share.KindInvalidInput, "not a number: %v", a)
			}
			var err error
			if acc, err = fn(acc, n); err != nil {
				return nil, share.Errorf(share.KindInvalidInput, "%v", err)
			}
		}
		return acc, nil
	}
}
