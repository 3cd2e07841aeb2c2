package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryLimit        = "RETRY_LIMIT_EXCEEDED"
	ErrCodeInvalidTargetNode = "INVALID_TARGET_NODE"
	ErrCodeCollaborator      = "COLLABORATOR_REJECTED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeBatchSize         = "BATCH_SIZE_EXCEEDED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	ErrCodeCheckpoint        = "CHECKPOINT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeSecret            = "SECRET_ERROR"
	ErrCodeFilter            = "FILTER_ERROR"
)

// ControlError is the structured error type for all gantry operations.
type ControlError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *ControlError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("[%s] execution %s: %s", e.Code, e.ExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ControlError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ControlError.
func NewError(code, message string) *ControlError {
	return &ControlError{Code: code, Message: message}
}

// NewErrorf creates a new ControlError with a formatted message.
func NewErrorf(code, format string, args ...any) *ControlError {
	return &ControlError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExecution attaches an execution ID to the error.
func (e *ControlError) WithExecution(executionID string) *ControlError {
	e.ExecutionID = executionID
	return e
}

// WithCause attaches an underlying cause.
func (e *ControlError) WithCause(err error) *ControlError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ControlError) WithDetails(details map[string]any) *ControlError {
	e.Details = details
	return e
}
