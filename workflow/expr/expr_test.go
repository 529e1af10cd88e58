package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	vars := map[string]any{
		"global": map[string]any{
			"score":  0.85,
			"status": "approved",
			"count":  3,
		},
		"nodes": map[string]any{
			"fetch": map[string]any{
				"success": true,
				"items":   []any{"a", "b"},
			},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`global.score > 0.8`, true},
		{`global.score >= 0.85`, true},
		{`global.score < 0.5`, false},
		{`global.status == "approved"`, true},
		{`global.status != "approved"`, false},
		{`global.count == 3`, true},
		{`nodes.fetch.success`, true},
		{`!nodes.fetch.success`, false},
		{`global.score > 0.8 && global.status == "approved"`, true},
		{`global.score > 0.9 || global.count >= 3`, true},
		{`(global.score > 0.9 || global.count >= 3) && nodes.fetch.success`, true},
		{`missing.path == null`, true},
		{`missing.path`, false},
		{`global.count > -1`, true},
		{`true`, true},
		{`false`, false},
		{``, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateTemplateReferences(t *testing.T) {
	vars := map[string]any{
		"global": map[string]any{"score": 0.9},
	}

	got, err := Evaluate(`${global.score} > 0.8`, vars)
	require.NoError(t, err)
	assert.True(t, got)

	// Bare and wrapped forms resolve identically.
	bare, err := Evaluate(`global.score > 0.8`, vars)
	require.NoError(t, err)
	assert.Equal(t, bare, got)
}

func TestEvaluateErrors(t *testing.T) {
	for _, expr := range []string{
		`global.score >`,
		`"unterminated`,
		`(global.score > 1`,
		`global.score @ 1`,
		`${unclosed`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, map[string]any{})
			assert.Error(t, err)
		})
	}
}

func TestCompareNilOrdering(t *testing.T) {
	assert.True(t, compare(nil, "==", nil))
	assert.False(t, compare(nil, "==", "x"))
	assert.True(t, compare(nil, "!=", "x"))
	assert.True(t, compare(nil, "<", 1))
	assert.True(t, compare(1, ">", nil))
}

func TestCompareNumericBeforeString(t *testing.T) {
	// "10" > "9" numerically even though it sorts lower as a string.
	assert.True(t, compare("10", ">", "9"))
	assert.True(t, compare("abc", "<", "abd"))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("0"))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]any{}))
}
