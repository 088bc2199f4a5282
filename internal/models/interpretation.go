// internal/models/interpretation.go
package models

import "time"

type Source string

const (
	SourceCommand Source = "command"
	SourceEmail   Source = "email"
)

// Interpretation is everything the pipeline learned about one request.
type Interpretation struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	Source       Source            `json:"source"`
	Text         string            `json:"text"`
	Intent       Intent            `json:"intent"`
	Entities     EntityBag         `json:"entities"`
	Reasoning    ReasoningResult   `json:"reasoning"`
	Template     *Template         `json:"template,omitempty"`
	Request      *GeneratedRequest `json:"request,omitempty"`
	Validation   *ValidationResult `json:"validation,omitempty"`
	Confidence   float64           `json:"confidence"`
	SupersedesID string            `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// AggregateConfidence is the minimum of the three stage confidences; a weak
// stage is never averaged away.
func AggregateConfidence(intent, entities, reasoning float64) float64 {
	return min(intent, entities, reasoning)
}

// Executable reports whether the generated request passed validation.
func (i *Interpretation) Executable() bool {
	return i != nil && i.Request != nil && i.Request.Success && i.Validation != nil && i.Validation.IsValid
}

type DecisionKind string

const (
	DecisionApproved DecisionKind = "approved"
	DecisionRejected DecisionKind = "rejected"
	DecisionEdited   DecisionKind = "edited"
)

func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionApproved, DecisionRejected, DecisionEdited:
		return true
	}
	return false
}

// ApprovalDecision is created only by the approval gate.
type ApprovalDecision struct {
	ID               string                 `json:"id"`
	InterpretationID string                 `json:"interpretation_id"`
	Kind             DecisionKind           `json:"kind"`
	Reason           string                 `json:"reason,omitempty"`
	EditedFields     map[string]interface{} `json:"edited_fields,omitempty"`
	UserID           string                 `json:"user_id"`
	DecidedAt        time.Time              `json:"decided_at"`
}
