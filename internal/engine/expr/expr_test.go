// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

func testLookup() Lookup {
	scope := map[string]any{
		"score":                 float64(85),
		"name":                  "Ada Lovelace",
		"flag":                  true,
		"empty":                 "",
		"tags":                  []any{"alpha", "beta"},
		"steps.fetch.status":    float64(200),
		"steps.fetch.items[0]":  "first",
		"steps.fetch.items[1]":  "second",
		"inputs.user.age":       float64(36),
		"inputs.user.nickname":  nil,
		"steps.shape.result.ok": true,
	}
	return func(path string) (any, bool) {
		v, ok := scope[path]
		return v, ok
	}
}

func mustEval(t *testing.T, src string) any {
	t.Helper()
	prog, err := Parse(src)
	require.NoError(t, err, "parse %q", src)
	v, err := prog.Eval(testLookup())
	require.NoError(t, err, "eval %q", src)
	return v
}

func TestEvalLiteralsAndArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"42", float64(42)},
		{"2 + 3 * 4", float64(14)},
		{"(2 + 3) * 4", float64(20)},
		{"10 / 4", float64(2.5)},
		{"10 % 3", float64(1)},
		{"-5 + 2", float64(-3)},
		{"'a' + 'b'", "ab"},
		{"true", true},
		{"false", false},
		{"null", nil},
		{"\"quoted\"", "quoted"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src))
		})
	}
}

func TestEvalComparisons(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"score > 80", true},
		{"score >= 85", true},
		{"score < 85", false},
		{"score == 85", true},
		{"score != 85", false},
		{"score == 85.0", true},
		{"name == 'Ada Lovelace'", true},
		{"'abc' < 'abd'", true},
		{"steps.fetch.status == 200", true},
		{"inputs.user.age >= 18 && score > 50", true},
		{"score > 90 || flag", true},
		{"!flag", false},
		{"!(score > 90)", true},
		{"missing.path == null", true},
		{"missing.path != null", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src))
		})
	}
}

func TestEvalShortCircuit(t *testing.T) {
	// Right side would divide by zero; && must not reach it.
	prog, err := Parse("false && 1 / 0 > 0")
	require.NoError(t, err)
	v, err := prog.Eval(testLookup())
	require.NoError(t, err)
	assert.Equal(t, false, v)

	prog, err = Parse("true || 1 / 0 > 0")
	require.NoError(t, err)
	v, err = prog.Eval(testLookup())
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalFunctions(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"len(name)", float64(12)},
		{"len(tags)", float64(2)},
		{"len(empty)", float64(0)},
		{"len(missing.path)", float64(0)},
		{"lower(name)", "ada lovelace"},
		{"upper('go')", "GO"},
		{"contains(name, 'Love')", true},
		{"contains(tags, 'beta')", true},
		{"contains(tags, 'gamma')", false},
		{"startswith(name, 'Ada')", true},
		{"endswith(name, 'lace')", true},
		{"regex_match(name, '^[A-Z][a-z]+')", true},
		{"regex_match('123', '^\\\\d+$')", true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src))
		})
	}
}

func TestEvalBoolTruthiness(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"score", true},
		{"0", false},
		{"empty", false},
		{"name", true},
		{"tags", true},
		{"null", false},
		{"missing.path", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			prog, err := Parse(tt.src)
			require.NoError(t, err)
			got, err := prog.EvalBool(testLookup())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"1 +",
		"(1 + 2",
		"score >",
		"foo bar",
		"shell('rm -rf /')", // not on the allow-list
		"len()",
		"len(a, b)",
		"a[x]",
		"a[-1]",
		"a.'b'",
		"1 === 2",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			assert.Equal(t, fault.CodeExpression, fault.CodeOf(err))
		})
	}
}

func TestEvalErrors(t *testing.T) {
	bad := []string{
		"1 / 0",
		"10 % 0",
		"'a' - 'b'",
		"name < 5",
		"-name",
		"lower(42)",
		"regex_match(name, '[')",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			prog, err := Parse(src)
			require.NoError(t, err)
			_, err = prog.Eval(testLookup())
			require.Error(t, err)
			assert.Equal(t, fault.CodeExpression, fault.CodeOf(err))
		})
	}
}

func TestTemplateReferences(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"{{score}} >= 10", true},
		{"{{score}} >= 100", false},
		{"{{ score }} + 15", float64(100)},
		{"{{steps.fetch.status}} == 200", true},
		{"{{steps.fetch.items[0]}}", "first"},
		{"{{inputs.user.age}} > 30 && {{flag}}", true},
		{"len({{name}})", float64(12)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assert.Equal(t, tt.want, mustEval(t, tt.src))
		})
	}

	bad := []string{
		"{{score",        // unterminated
		"{{}} > 1",       // empty reference
		"{{1 + 2}} == 3", // not a path
		"{{score > 1}}",  // operators inside the braces
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			assert.Equal(t, fault.CodeExpression, fault.CodeOf(err))
		})
	}
}

func TestPathCanonicalisation(t *testing.T) {
	prog, err := Parse("steps.fetch.items[0] == 'first'")
	require.NoError(t, err)
	v, err := prog.Eval(testLookup())
	require.NoError(t, err)
	assert.Equal(t, true, v)
	assert.Equal(t, "steps.fetch.items[0] == 'first'", prog.Source())
}
