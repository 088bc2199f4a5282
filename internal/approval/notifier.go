package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/models"
)

type NopNotifier struct{}

func (NopNotifier) NotifyPending(context.Context, *models.Interpretation) error { return nil }

// Publisher is satisfied by aws.TopicPublisher.
type Publisher interface {
	Publish(ctx context.Context, subject, message string, attributes map[string]string) (string, error)
}

// SNSNotifier publishes a summary of each pending interpretation so approval
// front ends can pick it up.
type SNSNotifier struct {
	publisher Publisher
	logger    logger.Logger
}

func NewSNSNotifier(publisher Publisher, log logger.Logger) *SNSNotifier {
	return &SNSNotifier{publisher: publisher, logger: logger.Component(log, "approval-notifier")}
}

type pendingNotice struct {
	InterpretationID string                 `json:"interpretation_id"`
	SupersedesID     string                 `json:"supersedes_id,omitempty"`
	SessionID        string                 `json:"session_id"`
	UserID           string                 `json:"user_id,omitempty"`
	Intent           string                 `json:"intent"`
	Confidence       float64                `json:"confidence"`
	Recommendation   string                 `json:"recommendation"`
	RiskLevel        string                 `json:"risk_level"`
	Method           string                 `json:"method"`
	Endpoint         string                 `json:"endpoint"`
	Body             map[string]interface{} `json:"body"`
	Warnings         []string               `json:"warnings,omitempty"`
}

func (n *SNSNotifier) NotifyPending(ctx context.Context, interp *models.Interpretation) error {
	notice := pendingNotice{
		InterpretationID: interp.ID,
		SupersedesID:     interp.SupersedesID,
		SessionID:        interp.SessionID,
		UserID:           interp.UserID,
		Intent:           interp.Intent.Label,
		Confidence:       interp.Confidence,
		Recommendation:   string(interp.Reasoning.Recommendation),
		RiskLevel:        string(interp.Reasoning.RiskLevel),
	}
	if interp.Request != nil {
		notice.Method = interp.Request.Method
		notice.Endpoint = interp.Request.Endpoint
		notice.Body = interp.Request.Body
	}
	if interp.Validation != nil {
		notice.Warnings = interp.Validation.Warnings
	}

	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode pending notice: %w", err)
	}

	msgID, err := n.publisher.Publish(ctx, "Fleet request awaiting approval", string(data), map[string]string{
		"intent":     interp.Intent.Label,
		"risk_level": string(interp.Reasoning.RiskLevel),
		"session_id": interp.SessionID,
	})
	if err != nil {
		return err
	}
	n.logger.Debug("pending approval published", map[string]interface{}{
		"interpretationId": interp.ID,
		"messageId":        msgID,
	})
	return nil
}
