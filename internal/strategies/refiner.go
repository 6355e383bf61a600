package strategies

import (
	"context"

	"github.com/synthlab/crucible/internal/expressions"
	"github.com/synthlab/crucible/pkg/schema"
)

// DefaultEvidenceQuery keeps the whole evidence object when no extraction
// query is configured.
const DefaultEvidenceQuery = "."

// JQRefiner specializes a specification by folding the counterexample's
// evidence, filtered through a jq query, into the specification params. The
// constraints themselves are preserved; refinement narrows the search, it
// never weakens the target.
type JQRefiner struct {
	engine *expressions.GoJQEngine
	query  string
}

// NewJQRefiner creates a JQRefiner with the given evidence-extraction query.
func NewJQRefiner(query string) *JQRefiner {
	if query == "" {
		query = DefaultEvidenceQuery
	}
	return &JQRefiner{
		engine: expressions.NewGoJQEngine(),
		query:  query,
	}
}

// RefineSpecification returns a new specification carrying the extracted
// evidence and the triggering counterexample's identity in its params.
func (r *JQRefiner) RefineSpecification(ctx context.Context, spec *schema.Specification, cex *schema.Counterexample) (*schema.Specification, error) {
	extracted, err := r.engine.Evaluate(ctx, r.query, cex.Evidence)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(spec.Params)+2)
	for k, v := range spec.Params {
		params[k] = v
	}
	params["refined_from"] = cex.ID
	params["evidence"] = extracted

	return &schema.Specification{
		Intent:      spec.Intent,
		Constraints: append([]string(nil), spec.Constraints...),
		Params:      params,
	}, nil
}
