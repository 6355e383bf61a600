package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeValidation, "intent is required")
	assert.Equal(t, "[VALIDATION_ERROR] intent is required", err.Error())

	err = err.WithComponent("validation")
	assert.Equal(t, "[VALIDATION_ERROR] validation: intent is required", err.Error())
}

func TestErrorBuilderChain(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "persist incident %q", "inc-1").
		WithComponent("store").
		WithOperation("persist_incident").
		WithCause(cause).
		WithDetails(map[string]any{"run_id": "run-1"}).
		WithSuggestions("free disk space")

	assert.Equal(t, ErrCodeStore, err.Code)
	assert.Equal(t, `persist incident "inc-1"`, err.Message)
	assert.Equal(t, "store", err.Component)
	assert.Equal(t, "persist_incident", err.Operation)
	assert.Equal(t, "run-1", err.Details["run_id"])
	assert.Equal(t, []string{"free disk space"}, err.Suggestions)
	assert.ErrorIs(t, err, cause)
}

func TestErrorUnwrapThroughWrapping(t *testing.T) {
	inner := NewError(ErrCodeTimeoutExceeded, "verification timed out")
	outer := NewError(ErrCodeOracleFailed, "oracle crashed").WithCause(inner)

	var cerr *CrucibleError
	require.ErrorAs(t, error(outer), &cerr)
	assert.Equal(t, ErrCodeOracleFailed, cerr.Code)
	assert.ErrorIs(t, outer, inner)
}

func TestDefaultSeverity(t *testing.T) {
	tests := []struct {
		code string
		want Severity
	}{
		{ErrCodeTimeBudgetExceeded, SeverityHigh},
		{ErrCodeAPICallLimitExceeded, SeverityHigh},
		{ErrCodeMaxIterationsReached, SeverityMedium},
		{ErrCodeOracleFailed, SeverityMedium},
		{ErrCodeCancellationRequested, SeverityLow},
		{ErrCodeUnknown, SeverityCritical},
		{ErrCodeValidation, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, NewError(tt.code, "x").Severity)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	notRetryable := []string{
		ErrCodeTimeBudgetExceeded,
		ErrCodeTokenBudgetExceeded,
		ErrCodeAPICallLimitExceeded,
		ErrCodeMemoryLimitExceeded,
		ErrCodeMaxIterationsReached,
		ErrCodeCancellationRequested,
		ErrCodeValidation,
		ErrCodeInvalidTransition,
		ErrCodeNotFound,
		ErrCodeConflict,
	}
	for _, code := range notRetryable {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}

	retryable := []string{
		ErrCodeTimeoutExceeded,
		ErrCodeOracleFailed,
		ErrCodeStore,
		ErrCodeExecution,
		ErrCodeUnknown,
	}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}
}
