package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEvaluatesGuards(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		expression string
		data       map[string]any
		want       any
	}{
		{
			"binding comparison",
			`env.x > 0`,
			map[string]any{"env": map[string]any{"x": int64(3)}},
			true,
		},
		{
			"spec param guard",
			`spec.max_depth >= 2`,
			map[string]any{"spec": map[string]any{"max_depth": int64(5)}},
			true,
		},
		{
			"evidence inspection",
			`"x" in evidence`,
			map[string]any{"evidence": map[string]any{"x": int64(0)}},
			true,
		},
		{
			"run metadata",
			`run.iteration < 10`,
			map[string]any{"run": map[string]any{"iteration": int64(2)}},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tc.expression, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELMissingScopesDefaultToEmpty(t *testing.T) {
	e := newCEL(t)
	got, err := e.Evaluate(context.Background(), `size(evidence) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCELCompileErrorIsValidation(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `env.x >`, nil)

	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestCELRejectsUnknownScope(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `workflow.id == "w"`, nil)
	assert.Error(t, err, "only the domain scopes are declared")
}

func TestCELRejectsEmptyGuard(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}
