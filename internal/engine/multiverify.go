package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/synthlab/crucible/pkg/schema"
)

// MultiVerifier checks one candidate with several verification tools
// concurrently and combines their outcomes with AND semantics: the candidate
// is valid only if every tool agrees. All counterexamples are merged into one
// refinement input.
type MultiVerifier struct {
	verifiers []Verifier
	pool      *WorkerPool
}

// NewMultiVerifier creates a MultiVerifier running at most maxConcurrent
// checks in parallel.
func NewMultiVerifier(verifiers []Verifier, maxConcurrent int) *MultiVerifier {
	if maxConcurrent <= 0 {
		maxConcurrent = len(verifiers)
	}
	return &MultiVerifier{
		verifiers: verifiers,
		pool:      NewWorkerPool(maxConcurrent),
	}
}

// VerifyCandidate fans the candidate out to every tool and waits for all of
// them. A tool error fails the whole verification; timeouts propagate so the
// engine can synthesize its timeout counterexample.
func (m *MultiVerifier) VerifyCandidate(ctx context.Context, candidate *schema.Candidate, spec *schema.Specification, constraints []string) (*schema.Verdict, *schema.Counterexample, error) {
	if len(m.verifiers) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeValidation,
			"multi-verifier has no verification tools").WithComponent("engine")
	}

	type toolResult struct {
		idx     int
		verdict *schema.Verdict
		cex     *schema.Counterexample
		err     error
	}

	var mu sync.Mutex
	results := make([]toolResult, 0, len(m.verifiers))

	for i, v := range m.verifiers {
		i, v := i, v
		err := m.pool.Submit(ctx, func(ctx context.Context) error {
			verdict, cex, err := v.VerifyCandidate(ctx, candidate, spec, constraints)
			mu.Lock()
			results = append(results, toolResult{idx: i, verdict: verdict, cex: cex, err: err})
			mu.Unlock()
			return err
		})
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeExecution,
				"submit verification %d: %s", i, err.Error()).WithCause(err).WithComponent("engine")
		}
	}
	m.pool.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].idx < results[b].idx })

	confidence := 1.0
	evidence := make(map[string]any)
	var cexes []*schema.Counterexample
	for _, r := range results {
		if r.err != nil {
			return nil, nil, r.err
		}
		if r.cex != nil {
			cexes = append(cexes, r.cex)
			continue
		}
		if r.verdict.Confidence < confidence {
			confidence = r.verdict.Confidence
		}
		for k, v := range r.verdict.Evidence {
			evidence[fmt.Sprintf("tool_%d.%s", r.idx, k)] = v
		}
	}

	if len(cexes) == 0 {
		return &schema.Verdict{
			CandidateID: candidate.ID,
			Valid:       true,
			Confidence:  confidence,
			Evidence:    evidence,
			Metrics:     map[string]any{"tools": len(m.verifiers)},
		}, nil, nil
	}

	return nil, mergeCounterexamples(candidate.ID, cexes), nil
}

// Shutdown stops the underlying pool.
func (m *MultiVerifier) Shutdown() {
	m.pool.Shutdown()
}

// mergeCounterexamples folds the rejections from every disagreeing tool into
// a single refinement input.
func mergeCounterexamples(candidateID string, cexes []*schema.Counterexample) *schema.Counterexample {
	if len(cexes) == 1 {
		return cexes[0]
	}

	properties := make([]string, 0, len(cexes))
	evidence := make(map[string]any)
	var suggestions []string
	seen := make(map[string]bool)
	for i, cex := range cexes {
		properties = append(properties, cex.FailingProperty)
		for k, v := range cex.Evidence {
			evidence[fmt.Sprintf("cex_%d.%s", i, k)] = v
		}
		for _, s := range cex.Suggestions {
			if !seen[s] {
				seen[s] = true
				suggestions = append(suggestions, s)
			}
		}
	}

	return &schema.Counterexample{
		ID:              cexes[0].ID,
		CandidateID:     candidateID,
		FailingProperty: strings.Join(properties, "; "),
		Evidence:        evidence,
		Suggestions:     suggestions,
	}
}
