package expressions

import "context"

// Engine evaluates constraint and transform expressions against a candidate's
// bindings. Three implementations: Expr (constraint logic), CEL (guard
// conditions), GoJQ (evidence extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
