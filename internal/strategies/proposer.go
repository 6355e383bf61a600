package strategies

import (
	"context"
	"sync"

	"github.com/synthlab/crucible/pkg/schema"
)

// StaticProposer is the deterministic proposer. It derives the specification
// from the domain document and walks a fixed sequence of candidate
// environments, one per synthesis attempt, so runs with the same document are
// exactly reproducible.
type StaticProposer struct {
	intent      string
	constraints []string
	params      map[string]any
	attempts    []map[string]any

	mu   sync.Mutex
	next int
}

// NewStaticProposer builds a StaticProposer from a domain document. Recognized
// keys: intent (string), constraints ([]string), params (map), attempts
// ([]map) listing the candidate environments in proposal order.
func NewStaticProposer(doc map[string]any) *StaticProposer {
	p := &StaticProposer{}
	if doc == nil {
		return p
	}
	if intent, ok := doc["intent"].(string); ok {
		p.intent = intent
	}
	p.constraints = toStrings(doc["constraints"])
	if params, ok := doc["params"].(map[string]any); ok {
		p.params = params
	}
	if raw, ok := doc["attempts"].([]any); ok {
		for _, a := range raw {
			if env, ok := a.(map[string]any); ok {
				p.attempts = append(p.attempts, env)
			}
		}
	}
	return p
}

// GenerateSpecification returns the specification the domain document names.
func (p *StaticProposer) GenerateSpecification(ctx context.Context) (*schema.Specification, error) {
	if p.intent == "" && len(p.constraints) == 0 {
		return nil, schema.NewError(schema.ErrCodeSynthesisFailed,
			"domain document names neither intent nor constraints").WithComponent("strategies")
	}
	return &schema.Specification{
		Intent:      p.intent,
		Constraints: append([]string(nil), p.constraints...),
		Params:      p.params,
	}, nil
}

// GenerateImplementation yields the next environment in the attempt sequence.
// The sequence position advances on every call; the last attempt repeats once
// the sequence is spent.
func (p *StaticProposer) GenerateImplementation(ctx context.Context, spec *schema.Specification, constraints []string, prev *schema.Implementation, cex *schema.Counterexample) (*schema.Implementation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.attempts) == 0 {
		return &schema.Implementation{Env: map[string]any{}}, nil
	}

	idx := p.next
	if idx >= len(p.attempts) {
		idx = len(p.attempts) - 1
	}
	p.next++

	env := make(map[string]any, len(p.attempts[idx]))
	for k, v := range p.attempts[idx] {
		env[k] = v
	}
	return &schema.Implementation{Env: env}, nil
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
