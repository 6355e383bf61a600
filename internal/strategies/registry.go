package strategies

import (
	"time"

	"github.com/synthlab/crucible/internal/engine"
	"github.com/synthlab/crucible/pkg/schema"
)

// Strategy names recognized by the registry. Each is a variant behind the
// same capability interface, selected by configuration rather than runtime
// type inspection.
const (
	VerifierExpr  = "expr"
	VerifierCEL   = "cel"
	VerifierMulti = "multi"

	ProposerStatic = "static"
	RefinerJQ      = "jq"
	ExplorerStub   = "stub"
)

// NewVerifier returns the named verifier variant. The multi variant runs the
// expr and CEL tools concurrently with AND semantics.
func NewVerifier(name string, maxConcurrent int) (engine.Verifier, error) {
	switch name {
	case VerifierExpr, "":
		return NewExprVerifier(), nil
	case VerifierCEL:
		return NewCELVerifier()
	case VerifierMulti:
		exprV := NewExprVerifier()
		celV, err := NewCELVerifier()
		if err != nil {
			return nil, err
		}
		return engine.NewMultiVerifier([]engine.Verifier{exprV, celV}, maxConcurrent), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown verifier strategy %q", name).WithComponent("strategies")
	}
}

// NewProposer returns the named proposer variant.
func NewProposer(name string, doc map[string]any) (engine.Proposer, error) {
	switch name {
	case ProposerStatic, "":
		return NewStaticProposer(doc), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown proposer strategy %q", name).WithComponent("strategies")
	}
}

// NewRefiner returns the named refiner variant.
func NewRefiner(name, evidenceQuery string) (engine.Refiner, error) {
	switch name {
	case RefinerJQ, "":
		return NewJQRefiner(evidenceQuery), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown refiner strategy %q", name).WithComponent("strategies")
	}
}

// NewExplorer returns the named exploration variant.
func NewExplorer(name string, doc map[string]any, delay time.Duration) (engine.Explorer, error) {
	switch name {
	case ExplorerStub, "":
		return NewStubExplorer(doc, delay), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown explorer strategy %q", name).WithComponent("strategies")
	}
}
