package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"&&",
		"a =",
		"= b",
		"(a = 1",
		"a = 1 &&",
		"a == b",
		"'unterminated",
	}
	for _, rule := range bad {
		t.Run(rule, func(t *testing.T) {
			_, err := Parse(rule)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	ctx := &EvalContext{Record: map[string]any{"a": "1"}}
	assert.False(t, Evaluate("a = ", ctx))
	assert.False(t, Evaluate("((", ctx))
	// A non-boolean result denies too.
	assert.False(t, Evaluate("'just a string'", ctx))
}

func TestAdminShortCircuits(t *testing.T) {
	ctx := &EvalContext{IsAdmin: true}
	assert.True(t, Evaluate("this is not even a rule", ctx))
	assert.True(t, Evaluate("1 = 2", ctx))
}

func TestComparisons(t *testing.T) {
	record := map[string]any{
		"title":     "hello",
		"views":     int64(10),
		"published": true,
		"score":     "3.5",
	}
	ctx := &EvalContext{Record: record}

	tests := []struct {
		rule string
		want bool
	}{
		{`title = "hello"`, true},
		{`title = 'hello'`, true},
		{`title != "hello"`, false},
		{`views = 10`, true},
		{`views > 5`, true},
		{`views <= 10`, true},
		{`views < 10`, false},
		{`score > 3`, true},
		{`score < 3.6`, true},
		{`published = true`, true},
		{`published != false`, true},
		{`missing = ""`, true},
		{`missing != ""`, false},
		// Mixed ordering falls back to lexicographic.
		{`title < "world"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rule, ctx))
		})
	}
}

func TestPrecedenceAndParens(t *testing.T) {
	ctx := &EvalContext{Record: map[string]any{"a": "1", "b": "2", "c": "3"}}

	// && binds tighter than ||: true || (false && false) = true
	assert.True(t, Evaluate(`a = 1 || b = 0 && c = 0`, ctx))
	// Parenthesized the other way: (true || false) && false = false
	assert.False(t, Evaluate(`(a = 1 || b = 0) && c = 0`, ctx))

	assert.True(t, Evaluate(`a = 1 && b = 2 && c = 3`, ctx))
	assert.False(t, Evaluate(`a = 1 && b = 2 && c = 0`, ctx))
}

func TestAuthAtoms(t *testing.T) {
	record := map[string]any{"owner": "user1"}

	authed := &EvalContext{
		Auth: &Identity{
			ID:             "user1",
			Email:          "u@example.com",
			Verified:       true,
			CollectionID:   "col1",
			CollectionName: "users",
		},
		Record: record,
	}
	anon := &EvalContext{Record: record}

	assert.True(t, Evaluate(`@request.auth.id = owner`, authed))
	assert.False(t, Evaluate(`@request.auth.id = owner`, anon))

	// Unauthenticated auth atoms resolve to the empty string.
	assert.True(t, Evaluate(`@request.auth.id = ""`, anon))
	assert.False(t, Evaluate(`@request.auth.id != ""`, anon))
	assert.True(t, Evaluate(`@request.auth.id != ""`, authed))

	assert.True(t, Evaluate(`@request.auth.verified = true`, authed))
	assert.True(t, Evaluate(`@request.auth.collectionName = "users"`, authed))
}

func TestBodyAtoms(t *testing.T) {
	ctx := &EvalContext{
		Body: map[string]any{"status": "draft", "count": float64(2)},
	}
	assert.True(t, Evaluate(`@request.body.status = "draft"`, ctx))
	assert.True(t, Evaluate(`@request.body.count = 2`, ctx))
	assert.True(t, Evaluate(`@request.body.missing = ""`, ctx))
}

func TestParseAST(t *testing.T) {
	expr, err := Parse(`a = 1 && (b = 2 || c = 3)`)
	require.NoError(t, err)

	ctx := &EvalContext{Record: map[string]any{"a": "1", "b": "0", "c": "3"}}
	result, ok := expr.eval(ctx).(bool)
	require.True(t, ok)
	assert.True(t, result)
}
