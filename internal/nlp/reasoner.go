package nlp

import (
	"context"
	"encoding/json"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/llm"
	"fleet-compiler/internal/models"
)

const reasonerSystem = `You assess the risk of executing a fleet management request. Think step by step and answer with a JSON object:
{"reasoning_steps": ["..."], "conclusion": "...", "confidence": <0..1>,
 "recommendation": "proceed" | "require_approval" | "reject", "risk_level": "low" | "medium" | "high"}.`

// Snapshot is the part of an interpretation the reasoner sees.
type Snapshot struct {
	Text     string                 `json:"text"`
	Intent   models.Intent          `json:"intent"`
	Entities map[string]interface{} `json:"entities"`
}

func NewSnapshot(text string, intent models.Intent, bag models.EntityBag) Snapshot {
	return Snapshot{Text: text, Intent: intent, Entities: bag.Values()}
}

type Reasoner struct {
	runner *runner
}

func NewReasoner(model llm.Generator, opts Options, log logger.Logger) *Reasoner {
	return &Reasoner{runner: newRunner("reason", apperrors.StageReasoning, model, opts, log)}
}

func (r *Reasoner) Reason(ctx context.Context, snap Snapshot) (models.ReasoningResult, error) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return models.ReasoningResult{}, apperrors.WithStage(apperrors.NewModelResponseError(err.Error()), apperrors.StageReasoning)
	}

	prompt := "Assess this interpreted request before it is executed.\n\nInterpretation:\n" + string(encoded)
	payload, err := r.runner.call(ctx, cacheKey("reason", string(encoded)), prompt,
		map[string]interface{}{"system": reasonerSystem}, checkReasoning)
	if err != nil {
		return models.ReasoningResult{}, err
	}

	result := buildReasoning(payload)
	r.runner.logger.Info("reasoning complete", map[string]interface{}{
		"recommendation": string(result.Recommendation),
		"riskLevel":      string(result.RiskLevel),
		"confidence":     result.Confidence,
		"steps":          len(result.Steps),
	})
	return result, nil
}

func checkReasoning(payload map[string]interface{}) error {
	if _, err := confidenceOf(payload, "confidence"); err != nil {
		return err
	}

	steps, ok := payload["reasoning_steps"].([]interface{})
	if !ok {
		return invalid("%q must be an array", "reasoning_steps")
	}
	for i, s := range steps {
		if _, ok := s.(string); !ok {
			return invalid("reasoning step %d is not a string", i)
		}
	}
	if c, present := payload["conclusion"]; present && c != nil {
		if _, ok := c.(string); !ok {
			return invalid("%q is not a string", "conclusion")
		}
	}

	rec, _ := payload["recommendation"].(string)
	if !models.Recommendation(NormalizeLabel(rec)).Valid() {
		return invalid("unknown recommendation %q", rec)
	}
	risk, _ := payload["risk_level"].(string)
	if !models.RiskLevel(NormalizeLabel(risk)).Valid() {
		return invalid("unknown risk_level %q", risk)
	}
	return nil
}

func buildReasoning(payload map[string]interface{}) models.ReasoningResult {
	confidence, _ := confidenceOf(payload, "confidence")
	rawSteps := payload["reasoning_steps"].([]interface{})
	steps := make([]string, 0, len(rawSteps))
	for _, s := range rawSteps {
		steps = append(steps, s.(string))
	}
	conclusion, _ := payload["conclusion"].(string)
	rec, _ := payload["recommendation"].(string)
	risk, _ := payload["risk_level"].(string)

	return models.ReasoningResult{
		Steps:          steps,
		Conclusion:     conclusion,
		Confidence:     confidence,
		Recommendation: models.Recommendation(NormalizeLabel(rec)),
		RiskLevel:      models.RiskLevel(NormalizeLabel(risk)),
	}
}
