// internal/common/errors/handler.go
package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorHandler writes pipeline failures as JSON HTTP responses.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleHTTPError normalizes err, logs it and writes the response.
func (h *ErrorHandler) HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := h.normalizeError(err)
	status := StatusCode(stdErr.Code)

	h.logger.Error("request failed", map[string]interface{}{
		"path":          r.URL.Path,
		"method":        r.Method,
		"errorCode":     string(stdErr.Code),
		"stage":         string(stdErr.Stage),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"errorCategory": GetErrorCategory(stdErr.Code),
		"status":        status,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": stdErr})
}

func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := As(err); ok {
		return stdErr
	}
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// StatusCode maps an error code onto an HTTP status.
func StatusCode(code ErrorCode) int {
	switch code {
	case ErrCodeModelUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeAPIExecutionFailed:
		return http.StatusBadGateway
	case ErrCodeTemplateNotFound:
		return http.StatusNotFound
	case ErrCodeMissingRequiredField, ErrCodeValidationFailed, ErrCodeGenerationFailed,
		ErrCodeUnknownFilter, ErrCodeModelResponseInvalid:
		return http.StatusUnprocessableEntity
	case ErrCodeApprovalStateInvalid:
		return http.StatusConflict
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeRequestCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
