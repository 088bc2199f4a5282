package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/models"
)

// ResourceChecker reads authoritative state from the fleet API.
// internal/common/http.Client satisfies it.
type ResourceChecker interface {
	Get(ctx context.Context, path string) (map[string]interface{}, error)
}

type Options struct {
	// Timeout bounds each remote lookup. Defaults to 10s.
	Timeout  time.Duration
	Now      func() time.Time
	Location *time.Location
}

// Validator checks generated requests. It accumulates every failure rather
// than stopping at the first.
type Validator struct {
	checker ResourceChecker
	timeout time.Duration
	now     func() time.Time
	loc     *time.Location
	rules   map[string]Rule
	sev     map[string]Severity
	logger  logger.Logger
}

func NewValidator(checker ResourceChecker, opts Options, log logger.Logger) *Validator {
	v := &Validator{
		checker: checker,
		timeout: opts.Timeout,
		now:     opts.Now,
		loc:     opts.Location,
		rules:   make(map[string]Rule, len(builtinRules)),
		sev:     make(map[string]Severity, len(builtinRules)),
		logger:  logger.Component(log, "validator"),
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.loc == nil {
		v.loc = time.UTC
	}
	for name, def := range builtinRules {
		v.rules[name] = def.build(v)
		v.sev[name] = def.severity
	}
	return v
}

// Validate runs, in order: required-field presence, type conformance,
// business rules and cross-field consistency.
func (v *Validator) Validate(ctx context.Context, req *models.GeneratedRequest, tmpl *models.Template) *models.ValidationResult {
	result := models.NewValidationResult()
	if req == nil {
		result.AddError("no generated request to validate")
		return result
	}
	body := req.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	var schema *models.Schema
	if tmpl != nil {
		schema = tmpl.Schema
	}

	v.checkRequired(req, tmpl, schema, result)
	typeFailed := v.checkTypes(body, tmpl, schema, result)
	v.checkRules(ctx, body, schema, typeFailed, result)

	for _, msg := range consistencyErrors(body, v.loc) {
		result.AddError(msg)
	}
	errs, warnings := securityFindings(body)
	for _, msg := range errs {
		result.AddError(msg)
	}
	for _, msg := range warnings {
		result.AddWarning(msg)
	}
	for _, w := range req.Warnings {
		result.AddWarning(w)
	}

	fields := map[string]interface{}{
		"templateId": req.TemplateID,
		"valid":      result.IsValid,
		"errors":     len(result.Errors),
		"warnings":   len(result.Warnings),
	}
	if result.IsValid {
		v.logger.Debug("request validated", fields)
	} else {
		v.logger.Info("request failed validation", fields)
	}
	return result
}

func (v *Validator) checkRequired(req *models.GeneratedRequest, tmpl *models.Template, schema *models.Schema, result *models.ValidationResult) {
	reported := map[string]bool{}
	for _, name := range req.MissingRequiredFields {
		reported[name] = true
		result.AddError(fmt.Sprintf("missing required field: %s", name))
	}
	if tmpl != nil {
		for _, name := range tmpl.RequiredFields {
			if reported[name] {
				continue
			}
			if val, ok := req.Body[name]; ok && val == nil {
				reported[name] = true
				result.AddError(fmt.Sprintf("missing required field: %s", name))
			}
		}
	}
	if schema == nil {
		return
	}
	for _, path := range schema.Required {
		if reported[path] {
			continue
		}
		if val, ok := lookupPath(req.Body, path); !ok || val == nil {
			reported[path] = true
			result.AddError(fmt.Sprintf("missing required field: %s", path))
		}
	}
}

// checkTypes returns the paths whose values failed their type check.
func (v *Validator) checkTypes(body map[string]interface{}, tmpl *models.Template, schema *models.Schema, result *models.ValidationResult) map[string]bool {
	failed := map[string]bool{}
	if schema != nil {
		for _, path := range sortedFields(schema) {
			fs := schema.Fields[path]
			val, ok := lookupPath(body, path)
			if !ok || val == nil {
				continue
			}
			if err := validateType(val, fs.Type, v.loc); err != nil {
				failed[path] = true
				result.AddError(fmt.Sprintf("field '%s': %v", path, err))
				continue
			}
			for _, msg := range checkConstraints(path, val, fs) {
				result.AddError(msg)
			}
			if fs.Type == "datetime" || fs.Type == "date" {
				for _, msg := range v.horizonWarnings(path, val) {
					result.AddWarning(msg)
				}
			}
		}
	}
	if tmpl != nil {
		for _, msg := range validateJSONSchema(tmpl.JSONSchema, body) {
			result.AddError(msg)
		}
	}
	return failed
}

type ruleCall struct {
	name, field string
	severity    Severity
}

func (v *Validator) checkRules(ctx context.Context, body map[string]interface{}, schema *models.Schema, typeFailed map[string]bool, result *models.ValidationResult) {
	if schema == nil {
		return
	}
	var calls []ruleCall
	for _, path := range sortedFields(schema) {
		for _, name := range schema.Fields[path].Rules {
			calls = append(calls, ruleCall{name: name, field: path, severity: v.sev[name]})
		}
	}
	for _, r := range schema.Rules {
		sev := Severity(r.Severity)
		if sev == "" {
			sev = v.sev[r.Name]
		}
		calls = append(calls, ruleCall{name: r.Name, field: r.Field, severity: sev})
	}

	for _, c := range calls {
		if typeFailed[c.field] {
			continue
		}
		val, ok := lookupPath(body, c.field)
		if !ok || val == nil {
			continue
		}
		rule, known := v.rules[c.name]
		if !known {
			result.AddError(fmt.Sprintf("field '%s': unknown business rule %q", c.field, c.name))
			continue
		}
		if err := ctx.Err(); err != nil {
			result.AddError(fmt.Sprintf("field '%s': rule %s not evaluated: %v", c.field, c.name, err))
			continue
		}
		if err := rule(ctx, c.field, val); err != nil {
			if c.severity == SeverityWarning {
				result.AddWarning(err.Error())
			} else {
				result.AddError(err.Error())
			}
		}
	}
}

func sortedFields(schema *models.Schema) []string {
	paths := make([]string, 0, len(schema.Fields))
	for p := range schema.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BatchItem pairs a generated request with the template it came from.
type BatchItem struct {
	Request  *models.GeneratedRequest
	Template *models.Template
}

// ValidateBatch validates items independently; results keep input order.
func (v *Validator) ValidateBatch(ctx context.Context, items []BatchItem) []*models.ValidationResult {
	results := make([]*models.ValidationResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			results[i] = v.Validate(ctx, item.Request, item.Template)
		}(i, item)
	}
	wg.Wait()
	return results
}
