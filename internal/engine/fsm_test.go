package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/pkg/schema"
)

func TestPhaseTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  schema.Phase
		to    schema.Phase
		valid bool
	}{
		{"initializing to exploration", schema.PhaseInitializing, schema.PhaseExploration, true},
		{"initializing to failed", schema.PhaseInitializing, schema.PhaseFailed, true},
		{"exploration to cegis", schema.PhaseExploration, schema.PhaseCegis, true},
		{"exploration to failed", schema.PhaseExploration, schema.PhaseFailed, true},
		{"cegis to completed", schema.PhaseCegis, schema.PhaseCompleted, true},
		{"cegis to failed", schema.PhaseCegis, schema.PhaseFailed, true},
		{"initializing to cegis skips exploration", schema.PhaseInitializing, schema.PhaseCegis, false},
		{"exploration to completed skips cegis", schema.PhaseExploration, schema.PhaseCompleted, false},
		{"completed is final", schema.PhaseCompleted, schema.PhaseFailed, false},
		{"failed is final", schema.PhaseFailed, schema.PhaseExploration, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fsm := NewPhaseFSM(nil)
			err := fsm.Transition("run-1", "trace-1", tc.from, tc.to)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				var cerr *schema.CrucibleError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, schema.ErrCodeInvalidTransition, cerr.Code)
			}
		})
	}
}

func TestCegisTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  schema.CegisState
		to    schema.CegisState
		valid bool
	}{
		{"proposing to verifying", schema.CegisStateProposing, schema.CegisStateVerifying, true},
		{"verifying to converged", schema.CegisStateVerifying, schema.CegisStateConverged, true},
		{"verifying to refining", schema.CegisStateVerifying, schema.CegisStateRefining, true},
		{"verifying to exhausted", schema.CegisStateVerifying, schema.CegisStateExhausted, true},
		{"refining to proposing", schema.CegisStateRefining, schema.CegisStateProposing, true},
		{"refining to exhausted", schema.CegisStateRefining, schema.CegisStateExhausted, true},
		{"proposing to converged skips verification", schema.CegisStateProposing, schema.CegisStateConverged, false},
		{"converged is final", schema.CegisStateConverged, schema.CegisStateProposing, false},
		{"exhausted is final", schema.CegisStateExhausted, schema.CegisStateProposing, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fsm := NewCegisFSM(nil)
			err := fsm.Transition("run-1", "trace-1", 0, tc.from, tc.to)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	assert.Empty(t, ValidPhaseTransitions[schema.PhaseCompleted])
	assert.Empty(t, ValidPhaseTransitions[schema.PhaseFailed])
	assert.Empty(t, ValidCegisTransitions[schema.CegisStateConverged])
	assert.Empty(t, ValidCegisTransitions[schema.CegisStateExhausted])
}

func TestPhaseTransitionEmitsCorrelatedEvent(t *testing.T) {
	pub := &recordingPublisher{}
	fsm := NewPhaseFSM(pub)

	require.NoError(t, fsm.Transition("run-1", "trace-1", schema.PhaseInitializing, schema.PhaseExploration))
	require.Len(t, pub.events, 1)
	assert.Equal(t, schema.EventPhaseStarted, pub.events[0].Type)
	assert.Equal(t, "run-1", pub.events[0].RunID)
	assert.Equal(t, "trace-1", pub.events[0].TraceID)
	assert.Equal(t, string(schema.PhaseExploration), pub.events[0].Phase)
}

func TestBeforeHookRejectsTransition(t *testing.T) {
	pub := &recordingPublisher{}
	fsm := NewPhaseFSM(pub)
	fsm.OnBefore(schema.PhaseCegis, schema.PhaseCompleted, func(from, to string) error {
		return errors.New("results not sealed")
	})

	err := fsm.Transition("run-1", "trace-1", schema.PhaseCegis, schema.PhaseCompleted)
	require.Error(t, err)
	assert.Empty(t, pub.events, "rejected transition must not emit")
}

func TestAfterHookObservesTransition(t *testing.T) {
	fsm := NewCegisFSM(nil)
	var observed []string
	fsm.OnAfter(schema.CegisStateVerifying, schema.CegisStateConverged, func(from, to string) error {
		observed = append(observed, from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition("run-1", "trace-1", 2, schema.CegisStateVerifying, schema.CegisStateConverged))
	assert.Equal(t, []string{"verifying->converged"}, observed)
}
