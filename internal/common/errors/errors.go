package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies the kind of failure independent of where it happened.
type ErrorCode string

const (
	ErrCodeModelUnavailable     ErrorCode = "MODEL_UNAVAILABLE"
	ErrCodeModelResponseInvalid ErrorCode = "MODEL_RESPONSE_INVALID"

	ErrCodeTemplateNotFound ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateCycle    ErrorCode = "TEMPLATE_CYCLE"
	ErrCodeTemplateInvalid  ErrorCode = "TEMPLATE_INVALID"

	ErrCodeUnknownFilter        ErrorCode = "UNKNOWN_FILTER"
	ErrCodeMissingRequiredField ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrCodeGenerationFailed     ErrorCode = "GENERATION_FAILED"

	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	ErrCodeAPIExecutionFailed ErrorCode = "API_EXECUTION_FAILED"

	ErrCodeApprovalStateInvalid ErrorCode = "APPROVAL_STATE_INVALID"
	ErrCodeRequestCancelled     ErrorCode = "REQUEST_CANCELLED"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// Stage tags the pipeline step a failure originated from.
type Stage string

const (
	StageIntent       Stage = "intent_error"
	StageEntity       Stage = "entity_error"
	StageReasoning    Stage = "reasoning_error"
	StageTemplate     Stage = "template_not_found"
	StageGeneration   Stage = "generation_error"
	StageValidation   Stage = "validation_error"
	StageAPIExecution Stage = "api_execution_error"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Stage     Stage                  `json:"stage,omitempty"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func NewModelUnavailableError(err error) *StandardError {
	return newError(ErrCodeModelUnavailable, "Language model unavailable", err.Error(), true, err)
}

func NewModelResponseError(details string) *StandardError {
	return newError(ErrCodeModelResponseInvalid, "Language model returned a malformed payload", details, false, nil)
}

func NewTemplateNotFoundError(intent string) *StandardError {
	e := newError(ErrCodeTemplateNotFound, "No template registered for intent", fmt.Sprintf("intent: %s", intent), false, nil)
	e.Metadata = map[string]interface{}{"intent": intent}
	return e
}

func NewTemplateCycleError(chain []string) *StandardError {
	e := newError(ErrCodeTemplateCycle, "Template extends chain is cyclic or too deep", strings.Join(chain, " -> "), false, nil)
	e.Metadata = map[string]interface{}{"chain": chain}
	return e
}

func NewTemplateInvalidError(templateID, details string) *StandardError {
	e := newError(ErrCodeTemplateInvalid, "Template definition is invalid", fmt.Sprintf("templateId: %s, %s", templateID, details), false, nil)
	e.Metadata = map[string]interface{}{"templateId": templateID}
	return e
}

func NewUnknownFilterError(name, placeholder string) *StandardError {
	e := newError(ErrCodeUnknownFilter, "Unknown placeholder filter", fmt.Sprintf("filter %q in %s", name, placeholder), false, nil)
	e.Metadata = map[string]interface{}{"filter": name}
	return e
}

// NewMissingRequiredFieldError reports every missing field, in order.
func NewMissingRequiredFieldError(fields []string) *StandardError {
	e := newError(ErrCodeMissingRequiredField, "Required fields are missing", strings.Join(fields, ", "), false, nil)
	e.Metadata = map[string]interface{}{"missingFields": append([]string(nil), fields...)}
	return e
}

func NewGenerationFailedError(details string, cause error) *StandardError {
	return newError(ErrCodeGenerationFailed, "Request generation failed", details, false, cause)
}

// NewValidationFailedError carries all accumulated validation errors.
func NewValidationFailedError(errs []string) *StandardError {
	e := newError(ErrCodeValidationFailed, "Generated request failed validation", strings.Join(errs, "; "), false, nil)
	e.Metadata = map[string]interface{}{"errors": append([]string(nil), errs...)}
	return e
}

func NewAPIExecutionError(err error) *StandardError {
	e := newError(ErrCodeAPIExecutionFailed, "Fleet API call failed", err.Error(), true, err)
	e.Stage = StageAPIExecution
	return e
}

func NewApprovalStateError(details string) *StandardError {
	return newError(ErrCodeApprovalStateInvalid, "Approval decision not allowed in current state", details, false, nil)
}

func NewRequestCancelledError(err error) *StandardError {
	return newError(ErrCodeRequestCancelled, "Request cancelled", err.Error(), false, err)
}

func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Invalid request input", details, false, nil)
}

// As extracts a StandardError from an error chain.
func As(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first StandardError in err's chain, or
// INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := As(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err's chain contains a StandardError with code.
func Is(err error, code ErrorCode) bool {
	stdErr, ok := As(err)
	return ok && stdErr.Code == code
}

// WithStage returns a copy of err tagged with stage. Plain errors are wrapped
// as INTERNAL_ERROR so callers always get a StandardError back.
func WithStage(err error, stage Stage) *StandardError {
	if err == nil {
		return nil
	}
	if stdErr, ok := As(err); ok {
		tagged := *stdErr
		tagged.Stage = stage
		return &tagged
	}
	e := newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
	e.Stage = stage
	return e
}

// GetErrorCategory groups codes for logging and metrics.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeModelUnavailable, ErrCodeAPIExecutionFailed, ErrCodeRequestCancelled:
		return "technical"
	case ErrCodeModelResponseInvalid, ErrCodeTemplateCycle, ErrCodeTemplateInvalid, ErrCodeUnknownFilter:
		return "configuration"
	case ErrCodeMissingRequiredField, ErrCodeValidationFailed, ErrCodeGenerationFailed, ErrCodeTemplateNotFound:
		return "business"
	case ErrCodeApprovalStateInvalid, ErrCodeInvalidInput:
		return "client"
	default:
		return "unknown"
	}
}
