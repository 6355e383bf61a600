package strategies

import (
	"context"
	"time"

	"github.com/synthlab/crucible/pkg/schema"
)

// StubExplorer is the deterministic exploration engine. It returns the
// concepts and implications the domain document declares, after an optional
// fixed delay, and respects cancellation while waiting.
type StubExplorer struct {
	concepts     []string
	implications []string
	delay        time.Duration
}

// NewStubExplorer builds a StubExplorer from a domain document. Recognized
// keys: concepts ([]string), implications ([]string).
func NewStubExplorer(doc map[string]any, delay time.Duration) *StubExplorer {
	e := &StubExplorer{delay: delay}
	if doc != nil {
		e.concepts = toStrings(doc["concepts"])
		e.implications = toStrings(doc["implications"])
	}
	return e
}

// Step runs one exploration step.
func (e *StubExplorer) Step(ctx context.Context) (*schema.ExplorationResult, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &schema.ExplorationResult{
		Success:      true,
		Concepts:     append([]string(nil), e.concepts...),
		Implications: append([]string(nil), e.implications...),
	}, nil
}
