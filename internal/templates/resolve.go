package templates

import (
	"fmt"
	"regexp"
	"sort"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/models"
)

// resolveIn walks id's extends chain inside raw and merges it root first.
func resolveIn(raw map[string]models.Template, id string, maxDepth int) (*models.Template, error) {
	chain := []string{id}
	visited := map[string]bool{id: true}

	current, ok := raw[id]
	if !ok {
		return nil, apperrors.NewTemplateInvalidError(id, "template not loaded")
	}
	for current.Extends != "" {
		parentID := current.Extends
		if visited[parentID] {
			return nil, apperrors.NewTemplateCycleError(append(chain, parentID))
		}
		if len(chain) > maxDepth {
			return nil, apperrors.NewTemplateCycleError(append(chain, parentID))
		}
		parent, ok := raw[parentID]
		if !ok {
			return nil, apperrors.NewTemplateInvalidError(current.ID, fmt.Sprintf("extends unknown template %q", parentID))
		}
		visited[parentID] = true
		chain = append(chain, parentID)
		current = parent
	}

	// chain is child first; merge from the root down.
	merged := deepCopyTemplate(raw[chain[len(chain)-1]])
	for i := len(chain) - 2; i >= 0; i-- {
		merged = mergeTemplates(merged, raw[chain[i]])
	}

	lineage := make([]string, 0, len(chain)-1)
	for i := len(chain) - 1; i >= 1; i-- {
		lineage = append(lineage, chain[i])
	}
	merged.ID = id
	merged.Extends = ""
	merged.Abstract = raw[id].Abstract
	merged.ResolvedFrom = lineage
	return &merged, nil
}

// mergeTemplates applies child on top of parent. Scalars set on the child
// win, lists are unioned in order and body objects merge recursively.
func mergeTemplates(parent, child models.Template) models.Template {
	out := parent
	out.ID = child.ID
	if child.Description != "" {
		out.Description = child.Description
	}
	if child.Intent != "" {
		out.Intent = child.Intent
	}
	if child.Priority != 0 {
		out.Priority = child.Priority
	}
	if child.Endpoint != "" {
		out.Endpoint = child.Endpoint
	}
	if child.Method != "" {
		out.Method = child.Method
	}
	out.RequiredFields = union(parent.RequiredFields, child.RequiredFields)
	out.Tags = union(parent.Tags, child.Tags)
	out.Body = mergeBody(parent.Body, child.Body)
	out.Schema = mergeSchema(parent.Schema, child.Schema)
	if child.JSONSchema != nil {
		out.JSONSchema = deepCopyMap(child.JSONSchema)
	}
	return out
}

func mergeBody(parent, child map[string]interface{}) map[string]interface{} {
	if parent == nil && child == nil {
		return nil
	}
	out := deepCopyMap(parent)
	if out == nil {
		out = map[string]interface{}{}
	}
	for k, cv := range child {
		pm, pIsMap := out[k].(map[string]interface{})
		cm, cIsMap := cv.(map[string]interface{})
		if pIsMap && cIsMap {
			out[k] = mergeBody(pm, cm)
			continue
		}
		out[k] = deepCopyValue(cv)
	}
	return out
}

func mergeSchema(parent, child *models.Schema) *models.Schema {
	if parent == nil && child == nil {
		return nil
	}
	out := &models.Schema{}
	if parent != nil {
		out = copySchema(parent)
	}
	if child == nil {
		return out
	}
	out.Required = union(out.Required, child.Required)
	if len(child.Fields) > 0 && out.Fields == nil {
		out.Fields = map[string]models.FieldSchema{}
	}
	for k, v := range child.Fields {
		out.Fields[k] = v
	}
	for _, r := range child.Rules {
		replaced := false
		for i, existing := range out.Rules {
			if existing.Name == r.Name && existing.Field == r.Field {
				out.Rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			out.Rules = append(out.Rules, r)
		}
	}
	return out
}

func union(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func deepCopyTemplate(t models.Template) models.Template {
	out := t
	out.RequiredFields = append([]string(nil), t.RequiredFields...)
	out.Tags = append([]string(nil), t.Tags...)
	out.ResolvedFrom = append([]string(nil), t.ResolvedFrom...)
	if t.ResolvedFrom != nil && out.ResolvedFrom == nil {
		out.ResolvedFrom = []string{}
	}
	out.Body = deepCopyMap(t.Body)
	out.JSONSchema = deepCopyMap(t.JSONSchema)
	if t.Schema != nil {
		out.Schema = copySchema(t.Schema)
	}
	return out
}

func copySchema(s *models.Schema) *models.Schema {
	out := &models.Schema{
		Required: append([]string(nil), s.Required...),
		Rules:    append([]models.RuleSpec(nil), s.Rules...),
	}
	if s.Fields != nil {
		out.Fields = make(map[string]models.FieldSchema, len(s.Fields))
		for k, v := range s.Fields {
			v.Enum = append([]string(nil), v.Enum...)
			v.Rules = append([]string(nil), v.Rules...)
			out.Fields[k] = v
		}
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}

var placeholderName = regexp.MustCompile(`\{\{\s*(?:#(?:if|unless)\s+)?([A-Za-z_][A-Za-z0-9_]*)`)

// PlaceholderNames lists the entity names referenced anywhere in body, keys
// included, sorted.
func PlaceholderNames(body map[string]interface{}) []string {
	seen := map[string]bool{}
	var walk func(v interface{})
	scan := func(s string) {
		for _, m := range placeholderName.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	}
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, item := range val {
				scan(k)
				walk(item)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		case string:
			scan(val)
		}
	}
	walk(body)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
