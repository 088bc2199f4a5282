package nlp

import (
	"context"
	"strings"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/llm"
	"fleet-compiler/internal/models"
)

const extractorSystem = `You extract structured fields from fleet management requests. Answer with a JSON object:
{"entities": {"<field>": {"value": <value>, "confidence": <0..1>}}, "confidence": <0..1>}.
Dates use YYYY-MM-DD, datetimes use ISO-8601. Omit fields that are not mentioned.`

// FieldHints returns the field names worth extracting for an intent.
type FieldHints func(intent string) []string

type Extractor struct {
	runner *runner
	hints  FieldHints
}

func NewExtractor(model llm.Generator, hints FieldHints, opts Options, log logger.Logger) *Extractor {
	return &Extractor{
		runner: newRunner("extract", apperrors.StageEntity, model, opts, log),
		hints:  hints,
	}
}

// Extract pulls entities for intent out of text. A field reported without
// its own confidence inherits the bag's confidence.
func (e *Extractor) Extract(ctx context.Context, text string, intent models.Intent) (models.EntityBag, error) {
	promptContext := map[string]interface{}{
		"system": extractorSystem,
		"intent": intent.Label,
	}
	var fields []string
	if e.hints != nil {
		fields = e.hints(intent.Label)
		if len(fields) > 0 {
			promptContext["fields"] = fields
		}
	}
	prompt := "Extract the entities of this " + intent.Label + " request.\n\nRequest:\n" + text

	key := cacheKey("extract", intent.Label, strings.Join(fields, ","), text)
	payload, err := e.runner.call(ctx, key, prompt, promptContext, checkEntities)
	if err != nil {
		return models.EntityBag{}, err
	}

	bag := buildBag(payload)
	e.runner.logger.Info("entities extracted", map[string]interface{}{
		"intent":      intent.Label,
		"entityCount": len(bag.Fields),
		"confidence":  bag.Confidence,
	})
	return bag, nil
}

func checkEntities(payload map[string]interface{}) error {
	raw, ok := payload["entities"]
	if !ok {
		return invalid("missing %q", "entities")
	}
	entities, ok := raw.(map[string]interface{})
	if !ok {
		return invalid("%q is not an object", "entities")
	}
	if _, err := confidenceOf(payload, "confidence"); err != nil {
		return err
	}
	for name, v := range entities {
		if strings.TrimSpace(name) == "" {
			return invalid("entity with empty name")
		}
		if wrapped, ok := asWrapped(v); ok {
			if _, present := wrapped["confidence"]; present {
				if _, err := confidenceOf(wrapped, "confidence"); err != nil {
					return invalid("entity %q: %v", name, err)
				}
			}
		}
	}
	return nil
}

// asWrapped reports whether v has the {"value": x, "confidence": c} shape.
func asWrapped(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if _, ok := m["value"]; !ok {
		return nil, false
	}
	for k := range m {
		if k != "value" && k != "confidence" {
			return nil, false
		}
	}
	return m, true
}

func buildBag(payload map[string]interface{}) models.EntityBag {
	aggregate, _ := confidenceOf(payload, "confidence")
	bag := models.NewEntityBag(aggregate)
	entities := payload["entities"].(map[string]interface{})

	for name, v := range entities {
		ev := models.EntityValue{Value: v, Confidence: aggregate}
		if wrapped, ok := asWrapped(v); ok {
			ev.Value = wrapped["value"]
			if c, err := confidenceOf(wrapped, "confidence"); err == nil {
				ev.Confidence = c
			}
		}
		bag.Fields[strings.TrimSpace(name)] = ev
	}
	return bag
}
