package strategies

import (
	"context"
	"fmt"

	"github.com/synthlab/crucible/internal/expressions"
	"github.com/synthlab/crucible/pkg/schema"
)

// ExprVerifier checks every specification constraint as an expr-lang
// expression over the candidate's environment bindings. The first violated
// constraint produces the counterexample.
type ExprVerifier struct {
	engine *expressions.ExprEngine
}

// NewExprVerifier creates an ExprVerifier.
func NewExprVerifier() *ExprVerifier {
	return &ExprVerifier{engine: expressions.NewExprEngine()}
}

// VerifyCandidate evaluates each constraint against the candidate bindings.
func (v *ExprVerifier) VerifyCandidate(ctx context.Context, candidate *schema.Candidate, spec *schema.Specification, constraints []string) (*schema.Verdict, *schema.Counterexample, error) {
	for i, constraint := range constraints {
		out, err := v.engine.Evaluate(ctx, constraint, candidate.Impl.Env)
		if err != nil {
			return nil, nil, err
		}
		holds, ok := out.(bool)
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"constraint %q is not boolean (got %T)", constraint, out).WithComponent("strategies")
		}
		if !holds {
			return nil, violation(candidate, constraint, i), nil
		}
	}
	return verdict(candidate, len(constraints)), nil, nil
}

// CELVerifier checks constraints written as CEL guards. The candidate's
// bindings are exposed under `env`, the specification params under `spec`.
type CELVerifier struct {
	engine *expressions.CELEngine
}

// NewCELVerifier creates a CELVerifier.
func NewCELVerifier() (*CELVerifier, error) {
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &CELVerifier{engine: engine}, nil
}

// VerifyCandidate evaluates each guard against the candidate scopes.
func (v *CELVerifier) VerifyCandidate(ctx context.Context, candidate *schema.Candidate, spec *schema.Specification, constraints []string) (*schema.Verdict, *schema.Counterexample, error) {
	data := map[string]any{
		"env": candidate.Impl.Env,
		"run": map[string]any{"iteration": candidate.Meta.Iteration},
	}
	if spec != nil && spec.Params != nil {
		data["spec"] = spec.Params
	}

	for i, constraint := range constraints {
		out, err := v.engine.Evaluate(ctx, constraint, data)
		if err != nil {
			return nil, nil, err
		}
		holds, ok := out.(bool)
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"guard %q is not boolean (got %T)", constraint, out).WithComponent("strategies")
		}
		if !holds {
			return nil, violation(candidate, constraint, i), nil
		}
	}
	return verdict(candidate, len(constraints)), nil, nil
}

// violation builds the counterexample for one failed constraint. The ID is
// derived from the candidate so deterministic runs reproduce it.
func violation(candidate *schema.Candidate, constraint string, idx int) *schema.Counterexample {
	evidence := make(map[string]any, len(candidate.Impl.Env)+1)
	for k, v := range candidate.Impl.Env {
		evidence[k] = v
	}
	evidence["constraint_index"] = idx

	return &schema.Counterexample{
		ID:              fmt.Sprintf("cex-%s-%d", candidate.ID, idx),
		CandidateID:     candidate.ID,
		FailingProperty: constraint,
		Evidence:        evidence,
		Suggestions:     []string{"adjust bindings violating " + constraint},
	}
}

func verdict(candidate *schema.Candidate, checked int) *schema.Verdict {
	return &schema.Verdict{
		CandidateID: candidate.ID,
		Valid:       true,
		Confidence:  1.0,
		Evidence:    map[string]any{"constraints_checked": checked},
	}
}
