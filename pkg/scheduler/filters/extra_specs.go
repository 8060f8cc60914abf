package filters

import (
	"fmt"
	"strconv"
	"strings"
)

// Match compares a capability value with an extra spec requirement.
//
// A requirement is either a plain value (compared for equality, booleans
// leniently) or "<op> operand". Operators: = (numeric >=), == != >= <=
// (numeric), s== s!= s< s<= s> s>= (string), <in> (substring), <is>
// (boolean) and "<or> a <or> b".
func Match(value any, req string) bool {
	words := strings.Fields(req)
	if len(words) == 0 {
		return fmt.Sprint(value) == req
	}
	op := words[0]
	if op == "<or>" {
		if value == nil {
			return false
		}
		want := toString(value)
		for i := 1; i < len(words); i += 2 {
			if words[i] == want {
				return true
			}
		}
		return false
	}
	cmp, ok := operators[op]
	if !ok {
		return plainEqual(value, req)
	}
	if value == nil || len(words) < 2 {
		return false
	}
	return cmp(value, words[1])
}

var operators = map[string]func(value any, operand string) bool{
	"=":   numeric(func(a, b float64) bool { return a >= b }),
	"==":  numeric(func(a, b float64) bool { return a == b }),
	"!=":  numeric(func(a, b float64) bool { return a != b }),
	">=":  numeric(func(a, b float64) bool { return a >= b }),
	"<=":  numeric(func(a, b float64) bool { return a <= b }),
	"s==": str(func(a, b string) bool { return a == b }),
	"s!=": str(func(a, b string) bool { return a != b }),
	"s<":  str(func(a, b string) bool { return a < b }),
	"s<=": str(func(a, b string) bool { return a <= b }),
	"s>":  str(func(a, b string) bool { return a > b }),
	"s>=": str(func(a, b string) bool { return a >= b }),
	"<in>": func(value any, operand string) bool {
		return strings.Contains(toString(value), operand)
	},
	"<is>": func(value any, operand string) bool {
		want, ok := parseBool(operand)
		if !ok {
			return false
		}
		got, ok := toBool(value)
		return ok && got == want
	},
}

func numeric(fn func(a, b float64) bool) func(any, string) bool {
	return func(value any, operand string) bool {
		a, err := strconv.ParseFloat(toString(value), 64)
		if err != nil {
			return false
		}
		b, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return false
		}
		return fn(a, b)
	}
}

func str(fn func(a, b string) bool) func(any, string) bool {
	return func(value any, operand string) bool {
		return fn(toString(value), operand)
	}
}

func plainEqual(value any, req string) bool {
	if b, ok := value.(bool); ok {
		want, ok := parseBool(req)
		return ok && b == want
	}
	return strings.EqualFold(toString(value), strings.TrimSpace(req))
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		return parseBool(x)
	}
	return false, false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y", "on":
		return true, true
	case "false", "f", "0", "no", "n", "off":
		return false, true
	}
	return false, false
}
