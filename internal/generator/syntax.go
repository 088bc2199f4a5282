package generator

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/models"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}#/\s][^{}]*?)\s*\}\}`)
	tagRe         = regexp.MustCompile(`\{\{\s*(#if|#unless|/if|/unless)(?:\s+([^{}]*?))?\s*\}\}`)
	keyBlockRe    = regexp.MustCompile(`^\{\{\s*#(if|unless)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\}\}(.+?)\{\{\s*/(if|unless)\s*\}\}$`)
	objectBlockRe = regexp.MustCompile(`^\{\{\s*#(if|unless)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)
	nameRe        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type filterCall struct {
	name   string
	arg    string
	hasArg bool
}

// expr is one parsed placeholder: {{name|filter|filter:arg}}.
type expr struct {
	raw     string
	name    string
	filters []filterCall
}

func parseExpr(raw string) (expr, error) {
	parts := strings.Split(raw, "|")
	e := expr{raw: "{{" + raw + "}}", name: strings.TrimSpace(parts[0])}
	if !nameRe.MatchString(e.name) {
		return e, apperrors.NewGenerationFailedError(fmt.Sprintf("invalid placeholder name in %s", e.raw), nil)
	}

	for _, p := range parts[1:] {
		name, arg, hasArg := strings.Cut(strings.TrimSpace(p), ":")
		name, arg = strings.TrimSpace(name), strings.TrimSpace(arg)
		spec, ok := filters[name]
		if !ok {
			return e, apperrors.NewUnknownFilterError(name, e.raw)
		}
		if hasArg && !spec.takesArg {
			return e, apperrors.NewGenerationFailedError(fmt.Sprintf("filter %q takes no argument in %s", name, e.raw), nil)
		}
		if !hasArg && spec.needsArg {
			return e, apperrors.NewGenerationFailedError(fmt.Sprintf("filter %q needs an argument in %s", name, e.raw), nil)
		}
		e.filters = append(e.filters, filterCall{name: name, arg: arg, hasArg: hasArg})
	}
	return e, nil
}

type block struct {
	negate bool
	cond   string
}

func (b block) holds(bag models.EntityBag) bool {
	v, _, present := bag.Lookup(b.cond)
	t := present && truthy(v)
	if b.negate {
		return !t
	}
	return t
}

func openTag(kind string) (string, bool) {
	switch kind {
	case "#if":
		return "if", true
	case "#unless":
		return "unless", true
	}
	return strings.TrimPrefix(kind, "/"), false
}

// segment is a run of text, optionally guarded by a block.
type segment struct {
	text  string
	guard *block
}

// splitBlocks cuts s at {{#if}}/{{#unless}} tags. Blocks do not nest.
func splitBlocks(s string) ([]segment, error) {
	matches := tagRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return []segment{{text: s}}, nil
	}

	var (
		out    []segment
		open   *block
		kind   string
		cursor int
	)
	for _, m := range matches {
		tag := s[m[2]:m[3]]
		cond := ""
		if m[4] >= 0 {
			cond = strings.TrimSpace(s[m[4]:m[5]])
		}
		k, opening := openTag(tag)
		text := s[cursor:m[0]]

		if opening {
			if open != nil {
				return nil, apperrors.NewGenerationFailedError(fmt.Sprintf("nested conditional block in %q", s), nil)
			}
			if !nameRe.MatchString(cond) {
				return nil, apperrors.NewGenerationFailedError(fmt.Sprintf("conditional block needs an entity name in %q", s), nil)
			}
			if text != "" {
				out = append(out, segment{text: text})
			}
			open = &block{negate: k == "unless", cond: cond}
			kind = k
		} else {
			if open == nil || kind != k {
				return nil, apperrors.NewGenerationFailedError(fmt.Sprintf("unmatched {{/%s}} in %q", k, s), nil)
			}
			out = append(out, segment{text: text, guard: open})
			open = nil
		}
		cursor = m[1]
	}
	if open != nil {
		return nil, apperrors.NewGenerationFailedError(fmt.Sprintf("unclosed {{#%s}} in %q", kind, s), nil)
	}
	if cursor < len(s) {
		out = append(out, segment{text: s[cursor:]})
	}
	return out, nil
}

type keyKind int

const (
	plainKey keyKind = iota
	guardedKey
	guardedObject
)

// parseKey classifies a body key: plain, "{{#if x}}name{{/if}}" or a bare
// "{{#if x}}" whose object value merges into the parent.
func parseKey(key string) (keyKind, string, block, error) {
	if !strings.Contains(key, "{{") {
		return plainKey, key, block{}, nil
	}
	if m := objectBlockRe.FindStringSubmatch(key); m != nil {
		return guardedObject, "", block{negate: m[1] == "unless", cond: m[2]}, nil
	}
	if m := keyBlockRe.FindStringSubmatch(key); m != nil {
		if m[1] != m[4] {
			return plainKey, "", block{}, apperrors.NewGenerationFailedError(fmt.Sprintf("mismatched block tags in key %q", key), nil)
		}
		name := strings.TrimSpace(m[3])
		if strings.Contains(name, "{{") || name == "" {
			return plainKey, "", block{}, apperrors.NewGenerationFailedError(fmt.Sprintf("invalid conditional key %q", key), nil)
		}
		return guardedKey, name, block{negate: m[1] == "unless", cond: m[2]}, nil
	}
	return plainKey, "", block{}, apperrors.NewGenerationFailedError(fmt.Sprintf("placeholders are not allowed in key %q", key), nil)
}

// CheckTemplate parses every placeholder, filter and block in t without
// evaluating anything. Unknown filters are reported even inside blocks that
// would be excluded.
func CheckTemplate(t *models.Template) error {
	if err := checkString(t.Endpoint); err != nil {
		return err
	}
	return checkValue(t.Body)
}

// CheckBody is CheckTemplate for a bare skeleton.
func CheckBody(body map[string]interface{}) error {
	return checkValue(body)
}

func checkValue(v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			kind, _, _, err := parseKey(k)
			if err != nil {
				return err
			}
			if kind == guardedObject {
				if _, ok := item.(map[string]interface{}); !ok {
					return apperrors.NewGenerationFailedError(fmt.Sprintf("block key %q must hold an object", k), nil)
				}
			}
			if err := checkValue(item); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := checkValue(item); err != nil {
				return err
			}
		}
	case string:
		return checkString(val)
	}
	return nil
}

func checkString(s string) error {
	segments, err := splitBlocks(s)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		for _, m := range placeholderRe.FindAllStringSubmatch(seg.text, -1) {
			if _, err := parseExpr(m[1]); err != nil {
				return err
			}
		}
		if strings.Contains(placeholderRe.ReplaceAllString(seg.text, ""), "{{") {
			return apperrors.NewGenerationFailedError(fmt.Sprintf("malformed placeholder in %q", s), nil)
		}
	}
	return nil
}
