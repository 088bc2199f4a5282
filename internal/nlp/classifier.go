package nlp

import (
	"context"
	"strings"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/llm"
	"fleet-compiler/internal/models"
)

const classifierSystem = `You classify fleet management requests. Answer with a JSON object:
{"intent": "<label>", "confidence": <0..1>, "reasoning": "<one sentence>"}.
Use "unknown" when no label fits.`

// Classifier assigns an intent label to free text.
type Classifier struct {
	runner     *runner
	vocabulary []string
}

func NewClassifier(model llm.Generator, vocabulary []string, opts Options, log logger.Logger) *Classifier {
	if len(vocabulary) == 0 {
		vocabulary = models.KnownIntents
	}
	return &Classifier{
		runner:     newRunner("classify", apperrors.StageIntent, model, opts, log),
		vocabulary: vocabulary,
	}
}

func (c *Classifier) Classify(ctx context.Context, text string) (models.Intent, error) {
	prompt := "Classify the intent of this request.\n\nRequest:\n" + text
	promptContext := map[string]interface{}{
		"system":         classifierSystem,
		"allowed_labels": c.vocabulary,
	}

	payload, err := c.runner.call(ctx, cacheKey("classify", text), prompt, promptContext, checkIntent)
	if err != nil {
		return models.Intent{}, err
	}

	confidence, _ := confidenceOf(payload, "confidence")
	reasoning, _ := payload["reasoning"].(string)
	intent := models.Intent{
		Label:      NormalizeLabel(payload["intent"].(string)),
		Confidence: confidence,
		Reasoning:  reasoning,
	}

	c.runner.logger.Info("intent classified", map[string]interface{}{
		"intent":     intent.Label,
		"confidence": intent.Confidence,
	})
	return intent, nil
}

func checkIntent(payload map[string]interface{}) error {
	label, ok := payload["intent"].(string)
	if !ok || strings.TrimSpace(label) == "" {
		return invalid("missing %q", "intent")
	}
	if _, err := confidenceOf(payload, "confidence"); err != nil {
		return err
	}
	if r, present := payload["reasoning"]; present && r != nil {
		if _, ok := r.(string); !ok {
			return invalid("%q is not a string", "reasoning")
		}
	}
	return nil
}

// NormalizeLabel lowercases a label and joins words with underscores.
func NormalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	return strings.Join(strings.FieldsFunc(label, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}
