package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"fleet-compiler/internal/models"
)

var knownTypes = map[string]bool{
	"string": true, "datetime": true, "date": true, "time": true,
	"integer": true, "number": true, "boolean": true, "object": true, "array": true,
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseISODateTime accepts ISO-8601 datetimes with or without a zone.
func parseISODateTime(v interface{}, loc *time.Location) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, strings.TrimSpace(val), loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func parseISODate(v interface{}, loc *time.Location) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	return t, err == nil
}

func parseClock(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// asInstant reads a date or datetime value.
func asInstant(v interface{}, loc *time.Location) (time.Time, bool) {
	if t, ok := parseISODateTime(v, loc); ok {
		return t, true
	}
	return parseISODate(v, loc)
}

func validateType(value interface{}, expected string, loc *time.Location) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %s", describe(value))
		}
	case "datetime":
		if _, ok := parseISODateTime(value, loc); !ok {
			return fmt.Errorf("expected ISO-8601 datetime, got %s", describe(value))
		}
	case "date":
		if _, ok := parseISODate(value, loc); !ok {
			return fmt.Errorf("expected date (YYYY-MM-DD), got %s", describe(value))
		}
	case "time":
		if _, ok := parseClock(value); !ok {
			return fmt.Errorf("expected time of day (HH:MM[:SS]), got %s", describe(value))
		}
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return fmt.Errorf("expected integer, got %v", n)
			}
		default:
			return fmt.Errorf("expected integer, got %s", describe(value))
		}
	case "number":
		if _, ok := asNumber(value); !ok {
			return fmt.Errorf("expected number, got %s", describe(value))
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %s", describe(value))
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("expected object, got %s", describe(value))
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return fmt.Errorf("expected array, got %s", describe(value))
		}
	case "":
	default:
		return fmt.Errorf("schema declares unknown type %q", expected)
	}
	return nil
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func describe(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v (%T)", val, val)
	}
}

// checkConstraints applies enum, pattern, length and range limits.
func checkConstraints(field string, value interface{}, fs models.FieldSchema) []string {
	var errs []string

	if s, ok := value.(string); ok {
		if fs.MinLength != nil && len([]rune(s)) < *fs.MinLength {
			errs = append(errs, fmt.Sprintf("field '%s' must be at least %d characters", field, *fs.MinLength))
		}
		if fs.MaxLength != nil && len([]rune(s)) > *fs.MaxLength {
			errs = append(errs, fmt.Sprintf("field '%s' must be at most %d characters", field, *fs.MaxLength))
		}
		if fs.Pattern != "" {
			re, err := regexp.Compile(fs.Pattern)
			if err != nil {
				errs = append(errs, fmt.Sprintf("field '%s' has an invalid pattern in its schema", field))
			} else if !re.MatchString(s) {
				errs = append(errs, fmt.Sprintf("field '%s' must match pattern %s", field, fs.Pattern))
			}
		}
		if len(fs.Enum) > 0 {
			found := false
			for _, allowed := range fs.Enum {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				errs = append(errs, fmt.Sprintf("field '%s' must be one of [%s], got %q", field, strings.Join(fs.Enum, ", "), s))
			}
		}
	}

	if n, ok := asNumber(value); ok {
		if fs.Minimum != nil && n < *fs.Minimum {
			errs = append(errs, fmt.Sprintf("field '%s' must be >= %v", field, *fs.Minimum))
		}
		if fs.Maximum != nil && n > *fs.Maximum {
			errs = append(errs, fmt.Sprintf("field '%s' must be <= %v", field, *fs.Maximum))
		}
	}
	return errs
}

// validateJSONSchema runs an optional JSON-Schema document over the body.
func validateJSONSchema(schema, body map[string]interface{}) []string {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("json schema could not be applied: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return errs
}

// lookupPath resolves a dotted path ("reservation.start_time", "items.0.id").
func lookupPath(body map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = body
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// CheckSchema reports schema declarations the validator cannot honour:
// unknown types, bad patterns and unknown rule names.
func CheckSchema(t *models.Template) error {
	if t.Schema == nil {
		return nil
	}
	for path, fs := range t.Schema.Fields {
		if !knownTypes[fs.Type] && fs.Type != "" {
			return fmt.Errorf("field %s: unknown type %q", path, fs.Type)
		}
		if fs.Pattern != "" {
			if _, err := regexp.Compile(fs.Pattern); err != nil {
				return fmt.Errorf("field %s: bad pattern: %v", path, err)
			}
		}
		for _, r := range fs.Rules {
			if _, ok := builtinRules[r]; !ok {
				return fmt.Errorf("field %s: unknown rule %q", path, r)
			}
		}
	}
	for _, r := range t.Schema.Rules {
		if _, ok := builtinRules[r.Name]; !ok {
			return fmt.Errorf("unknown rule %q", r.Name)
		}
		if r.Field == "" {
			return fmt.Errorf("rule %q needs a field", r.Name)
		}
	}
	return nil
}
