// internal/models/request.go
package models

import (
	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/pkg/registry"
)

type (
	Template    = registry.Template
	Schema      = registry.Schema
	FieldSchema = registry.FieldSchema
	RuleSpec    = registry.RuleSpec
)

// GeneratedRequest is a template body with placeholders resolved.
type GeneratedRequest struct {
	TemplateID            string                 `json:"template_id"`
	Method                string                 `json:"method"`
	Endpoint              string                 `json:"endpoint"`
	Body                  map[string]interface{} `json:"body"`
	Success               bool                   `json:"success"`
	MissingRequiredFields []string               `json:"missing_required_fields,omitempty"`
	FieldConfidence       map[string]float64     `json:"field_confidence,omitempty"`
	Warnings              []string               `json:"warnings,omitempty"`
}

// Err returns a MissingRequiredFieldError when generation was incomplete.
func (r *GeneratedRequest) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return apperrors.NewMissingRequiredFieldError(r.MissingRequiredFields)
}

// ValidationResult accumulates every failure; warnings never block execution.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func NewValidationResult() *ValidationResult {
	return &ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}}
}

func (v *ValidationResult) AddError(msg string) {
	v.Errors = append(v.Errors, msg)
	v.IsValid = false
}

func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Err returns a ValidationFailedError carrying all errors, or nil.
func (v *ValidationResult) Err() error {
	if v == nil || v.IsValid {
		return nil
	}
	return apperrors.NewValidationFailedError(v.Errors)
}
