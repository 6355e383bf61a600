package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validDoc() map[string]any {
	return map[string]any{
		"intent":      "positive sum",
		"constraints": []any{"x > 0", "x + y < 10"},
		"params":      map[string]any{"limit": 10},
		"attempts": []any{
			map[string]any{"x": 1, "y": 2},
			map[string]any{"x": 3, "y": 4},
		},
		"concepts": []any{"positivity"},
	}
}

func TestValidateSpecAccepts(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateSpec(validDoc()))
}

func TestValidateSpecStructural(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{
			name:   "missing intent",
			mutate: func(doc map[string]any) { delete(doc, "intent") },
		},
		{
			name:   "empty intent",
			mutate: func(doc map[string]any) { doc["intent"] = "" },
		},
		{
			name:   "non-string constraint",
			mutate: func(doc map[string]any) { doc["constraints"] = []any{42} },
		},
		{
			name:   "attempt not an object",
			mutate: func(doc map[string]any) { doc["attempts"] = []any{"x=1"} },
		},
		{
			name:   "unknown top-level key",
			mutate: func(doc map[string]any) { doc["workflow"] = map[string]any{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)
			err := v.ValidateSpec(doc)
			var cerr *schema.CrucibleError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
		})
	}
}

func TestValidateSpecNilDoc(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpec(nil)
	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestValidateSpecDuplicateConstraint(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["constraints"] = []any{"x > 0", "x > 0"}
	err := v.ValidateSpec(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate constraint")
}

func TestValidateSpecMalformedConstraint(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["constraints"] = []any{"x > > 0"}
	err := v.ValidateSpec(doc)
	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
	assert.Contains(t, cerr.Message, "constraints[0]")
}

func TestValidateSpecEmptyAttempt(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["attempts"] = []any{map[string]any{}}
	err := v.ValidateSpec(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binds no variables")
}

func TestValidateSpecParamsSchema(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["params_schema"] = map[string]any{
		"type":     "object",
		"required": []any{"x"},
		"properties": map[string]any{
			"x": map[string]any{"type": "integer", "minimum": 0},
		},
	}

	assert.NoError(t, v.ValidateSpec(doc))

	doc["attempts"] = []any{map[string]any{"y": 2}}
	err := v.ValidateSpec(doc)
	var cerr *schema.CrucibleError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, "attempts[0]")
}

func TestValidateSpecInvalidParamsSchema(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["params_schema"] = map[string]any{"type": 42}
	err := v.ValidateSpec(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params_schema")
}

func TestParamsSchemaCompiledOnce(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc["params_schema"] = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
	}

	require.NoError(t, v.ValidateSpec(doc))
	require.NoError(t, v.ValidateSpec(doc))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
