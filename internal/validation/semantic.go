package validation

import (
	"fmt"

	"github.com/synthlab/crucible/internal/expressions"
	"github.com/synthlab/crucible/pkg/schema"
)

var constraintChecker = expressions.NewExprEngine()

// validateSemantic performs checks JSON Schema cannot express: duplicate
// constraints, attempts that bind nothing, and constraints that fail to
// compile as expressions.
func validateSemantic(doc map[string]any) error {
	constraints, _ := doc["constraints"].([]any)
	seen := make(map[string]struct{}, len(constraints))
	for i, raw := range constraints {
		constraint, ok := raw.(string)
		if !ok {
			continue // structural catches non-string items
		}
		if _, dup := seen[constraint]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"constraints[%d]: duplicate constraint %q", i, constraint)
		}
		seen[constraint] = struct{}{}

		if err := constraintChecker.Check(constraint); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"constraints[%d]: %s", i, err.Error()).WithCause(err)
		}
	}

	attempts, _ := doc["attempts"].([]any)
	for i, raw := range attempts {
		attempt, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if len(attempt) == 0 {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("attempts[%d]: attempt binds no variables", i))
		}
	}

	return nil
}
