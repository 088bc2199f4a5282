package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"fleet-compiler/internal/models"
)

type rangePair struct {
	start, end string
	label      string
}

var rangePairs = []rangePair{
	{"start_time", "end_time", "end time"},
	{"start_date", "end_date", "end date"},
}

// ValidateDataConsistency checks paired start/end fields wherever they sit
// together in the body, whether or not a schema declares them.
func ValidateDataConsistency(body map[string]interface{}) *models.ValidationResult {
	result := models.NewValidationResult()
	for _, msg := range consistencyErrors(body, time.UTC) {
		result.AddError(msg)
	}
	return result
}

func consistencyErrors(body map[string]interface{}, loc *time.Location) []string {
	var errs []string
	walkObjects("", body, func(path string, obj map[string]interface{}) {
		for _, p := range rangePairs {
			startRaw, hasStart := obj[p.start]
			endRaw, hasEnd := obj[p.end]
			if !hasStart || !hasEnd || startRaw == nil || endRaw == nil {
				continue
			}
			start, ok1 := asInstant(startRaw, loc)
			end, ok2 := asInstant(endRaw, loc)
			if !ok1 || !ok2 {
				continue
			}
			if !end.After(start) {
				errs = append(errs, fmt.Sprintf("%s%s must be after %s (%v <= %v)",
					prefix(path), p.label, strings.ReplaceAll(p.start, "_", " "), endRaw, startRaw))
			}
		}
	})
	return errs
}

func prefix(path string) string {
	if path == "" {
		return ""
	}
	return path + ": "
}

// walkObjects visits every object in v in a stable order.
func walkObjects(path string, v interface{}, visit func(string, map[string]interface{})) {
	switch node := v.(type) {
	case map[string]interface{}:
		visit(path, node)
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkObjects(joinPath(path, k), node[k], visit)
		}
	case []interface{}:
		for i, item := range node {
			walkObjects(fmt.Sprintf("%s.%d", path, i), item, visit)
		}
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

var (
	unsafePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
		regexp.MustCompile(`(?i)\bdrop\b.*\btable\b`),
	}
	sensitiveKeyRe = regexp.MustCompile(`(?i)password|secret|token`)
)

// securityFindings scans every string value for injection patterns and every
// key for credential-looking names.
func securityFindings(body map[string]interface{}) (errs, warnings []string) {
	var scan func(path string, v interface{})
	scan = func(path string, v interface{}) {
		switch node := v.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p := joinPath(path, k)
				if sensitiveKeyRe.MatchString(k) {
					warnings = append(warnings, fmt.Sprintf("field '%s' looks like it carries a credential", p))
				}
				scan(p, node[k])
			}
		case []interface{}:
			for i, item := range node {
				scan(fmt.Sprintf("%s.%d", path, i), item)
			}
		case string:
			for _, re := range unsafePatterns {
				if re.MatchString(node) {
					errs = append(errs, fmt.Sprintf("field '%s' contains a potentially unsafe pattern", path))
					return
				}
			}
		}
	}
	scan("", body)
	return errs, warnings
}
