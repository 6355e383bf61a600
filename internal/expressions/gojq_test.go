package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/pkg/schema"
)

func TestGoJQExtractsEvidence(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	evidence := map[string]any{
		"failing": map[string]any{"x": 0, "y": 12},
		"trace":   []any{"step-1", "step-2"},
	}

	cases := []struct {
		name       string
		expression string
		want       any
	}{
		{"field access", ".failing.x", 0},
		{"keys", ".failing | keys", []any{"x", "y"}},
		{"trace length", ".trace | length", 2},
		{"select missing", ".absent", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tc.expression, evidence)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGoJQMultipleOutputsAreCollected(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), ".items[]",
		map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, got)
}

func TestGoJQNormalizesTypedSlices(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), ".suggestions | length",
		map[string]any{"suggestions": []string{"raise x", "lower y"}})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestGoJQParseErrorIsValidation(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[unclosed", nil)

	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestGoJQEnvironAccessIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
