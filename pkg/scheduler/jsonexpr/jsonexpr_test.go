package jsonexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env() Env {
	return Env{
		"free_ram_mb":  1024.0,
		"free_disk_mb": 204800.0,
		"capabilities": map[string]any{"enabled": true, "opt1": "match"},
		"service":      map[string]any{"disabled": false},
		"labels":       map[string]string{"tier": "gold"},
	}
}

func passes(t *testing.T, e *Evaluator, query string) (bool, error) {
	t.Helper()
	expr, err := Parse(query)
	require.NoError(t, err)
	return e.Passes(expr, env())
}

func TestFilterEvaluator(t *testing.T) {
	e := NewFilterEvaluator()
	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"empty list", `[]`, true},
		{"empty object", `{}`, true},
		{"empty string", ``, true},
		{"and both true", `["and", [">=", "$free_ram_mb", 1024], [">=", "$free_disk_mb", 204800]]`, true},
		{"and one false", `["and", [">=", "$free_ram_mb", 2048], [">=", "$free_disk_mb", 204800]]`, false},
		{"or", `["or", ["<", "$free_ram_mb", 10], ["=", "$capabilities.opt1", "match"]]`, true},
		{"nested capability", `["and", "$capabilities.enabled", ["not", "$service.disabled"]]`, true},
		{"string map", `["=", "$labels.tier", "gold"]`, true},
		{"in", `["in", "$capabilities.opt1", "nomatch", "match"]`, true},
		{"not in", `["in", "$capabilities.opt1", "a", "b"]`, false},
		{"chained compare", `["<", 1, 2, 3]`, true},
		{"chained compare fails", `["<", 1, 2, 0]`, false},
		{"unknown variable is permissive", `["=", "$foo", 2, 2]`, true},
		{"unknown variable in ordering", `[">", "$missing.path", 100]`, true},
		{"multi not passes if any", `["not", true, false]`, true},
		{"multi not all false", `["not", true, true]`, false},
		{"type mismatch", `["<", "abc", 1]`, false},
		{"nil first operand still compares the rest", `["<", null, 5, 3]`, false},
		{"nil middle operand is skipped", `["<", 1, "$foo", 3]`, true},
		{"chain is pairwise", `[">", 5, 1, 3]`, false},
		{"and uses truthiness", `["and", 1, "x", true]`, true},
		{"and with a zero", `["and", true, 0]`, false},
		{"and with an empty string", `["and", "$capabilities.opt1", ""]`, false},
		{"and ignores unknown variables", `["and", "$foo", true]`, true},
		{"or uses truthiness", `["or", false, "$free_ram_mb"]`, true},
		{"or all falsy", `["or", 0, "", false]`, false},
		{"or over unknown variables only", `["or", "$foo", "$bar"]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := passes(t, e, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterEvaluatorRejectsMalformed(t *testing.T) {
	e := NewFilterEvaluator()
	for name, query := range map[string]string{
		"compare arity": `[">", 1]`,
		"in arity":      `["in", "x"]`,
		"nested arity":  `["and", ["=", 1]]`,
		"unknown op":    `["~", 1, 2]`,
		"non-string op": `[1, 2, 3]`,
		"arithmetic op": `["+", 1, 2]`,
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := passes(t, e, query)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(`["and"`)
	assert.Error(t, err)
	_, err = Parse(`{"op": "and"}`)
	assert.Error(t, err)
}

func TestFunctionEvaluator(t *testing.T) {
	e := NewFunctionEvaluator()
	tests := []struct {
		name string
		expr string
		want any
	}{
		{"add", `["+", 1, 2, 3]`, 6.0},
		{"subtract", `["-", 10, 4]`, 6.0},
		{"scale", `["*", ["/", "$free_ram_mb", 2048], 100]`, 50.0},
		{"max", `["max", 3, 9, 4]`, 9.0},
		{"min", `["min", 3, 9, 4]`, 3.0},
		{"comparison", `[">", "$free_ram_mb", 100]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.expr)
			require.NoError(t, err)
			got, err := e.Eval(expr, env())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for name, bad := range map[string]string{
		"division by zero": `["/", 1, 0]`,
		"not a number":     `["+", 1, "x"]`,
		"unknown variable": `["+", 1, "$nope"]`,
	} {
		t.Run(name, func(t *testing.T) {
			expr, err := Parse(bad)
			require.NoError(t, err)
			_, err = e.Eval(expr, env())
			assert.Error(t, err)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]any{false, true}))
	assert.False(t, Truthy([]any{}))
}
