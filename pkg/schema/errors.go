package schema

import "fmt"

// Error codes for structured error reporting. The taxonomy is closed:
// every abnormal condition surfaced by the engine maps to one of these.
const (
	ErrCodeTimeBudgetExceeded    = "TIME_BUDGET_EXCEEDED"
	ErrCodeTokenBudgetExceeded   = "TOKEN_BUDGET_EXCEEDED"
	ErrCodeAPICallLimitExceeded  = "API_CALL_LIMIT_EXCEEDED"
	ErrCodeMemoryLimitExceeded   = "MEMORY_LIMIT_EXCEEDED"
	ErrCodeMaxIterationsReached  = "MAX_ITERATIONS_REACHED"
	ErrCodeTimeoutExceeded       = "TIMEOUT_EXCEEDED"
	ErrCodeVerificationFailed    = "VERIFICATION_FAILED"
	ErrCodeSynthesisFailed       = "SYNTHESIS_FAILED"
	ErrCodeOracleFailed          = "ORACLE_FAILED"
	ErrCodeCancellationRequested = "CANCELLATION_REQUESTED"
	ErrCodeUnknown               = "UNKNOWN_ERROR"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// Severity ranks how bad an abnormal condition is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CrucibleError is the structured error type for all crucible operations.
type CrucibleError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity,omitempty"`
	Component   string         `json:"component,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Cause       error          `json:"-"`
}

func (e *CrucibleError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CrucibleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CrucibleError.
func NewError(code, message string) *CrucibleError {
	return &CrucibleError{Code: code, Message: message, Severity: defaultSeverity(code)}
}

// NewErrorf creates a new CrucibleError with a formatted message.
func NewErrorf(code, format string, args ...any) *CrucibleError {
	return &CrucibleError{Code: code, Message: fmt.Sprintf(format, args...), Severity: defaultSeverity(code)}
}

// WithComponent attaches the originating component name.
func (e *CrucibleError) WithComponent(component string) *CrucibleError {
	e.Component = component
	return e
}

// WithOperation attaches the operation that was in flight.
func (e *CrucibleError) WithOperation(op string) *CrucibleError {
	e.Operation = op
	return e
}

// WithSeverity overrides the default severity for the code.
func (e *CrucibleError) WithSeverity(s Severity) *CrucibleError {
	e.Severity = s
	return e
}

// WithCause attaches an underlying cause.
func (e *CrucibleError) WithCause(err error) *CrucibleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CrucibleError) WithDetails(details map[string]any) *CrucibleError {
	e.Details = details
	return e
}

// WithSuggestions attaches remediation suggestions.
func (e *CrucibleError) WithSuggestions(suggestions ...string) *CrucibleError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// IsRetryable reports whether an operation failing with this error is worth
// retrying. Budget overruns, cancellations and validation errors are not;
// transient oracle/store/timeout failures are.
func (e *CrucibleError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeBudgetExceeded, ErrCodeTokenBudgetExceeded,
		ErrCodeAPICallLimitExceeded, ErrCodeMemoryLimitExceeded,
		ErrCodeMaxIterationsReached, ErrCodeCancellationRequested,
		ErrCodeValidation, ErrCodeInvalidTransition,
		ErrCodeNotFound, ErrCodeConflict:
		return false
	}
	return true
}

func defaultSeverity(code string) Severity {
	switch code {
	case ErrCodeTimeBudgetExceeded, ErrCodeTokenBudgetExceeded,
		ErrCodeAPICallLimitExceeded, ErrCodeMemoryLimitExceeded:
		return SeverityHigh
	case ErrCodeMaxIterationsReached, ErrCodeTimeoutExceeded:
		return SeverityMedium
	case ErrCodeVerificationFailed, ErrCodeSynthesisFailed, ErrCodeOracleFailed:
		return SeverityMedium
	case ErrCodeCancellationRequested:
		return SeverityLow
	case ErrCodeUnknown:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}
