package generator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type filterSpec struct {
	takesArg bool
	needsArg bool
	// soft failures leave the value untouched and add a warning; the
	// validator reports the resulting type error.
	soft  bool
	apply func(v interface{}, c clock) (interface{}, error)
}

// default and optional are handled by the evaluator; they only need an entry
// here so the parser accepts them.
var filters = map[string]filterSpec{
	"default":         {takesArg: true, needsArg: true},
	"optional":        {},
	"format_date":     {soft: true, apply: formatDate},
	"format_datetime": {soft: true, apply: formatDateTime},
	"format_time":     {soft: true, apply: formatTime},
	"upper":           {apply: stringOp(strings.ToUpper)},
	"lower":           {apply: stringOp(strings.ToLower)},
	"trim":            {apply: stringOp(strings.TrimSpace)},
	"int":             {apply: toInt},
	"float":           {apply: toFloat},
	"bool":            {apply: toBool},
}

// FilterNames lists the supported filters.
func FilterNames() []string {
	return []string{"default", "optional", "format_date", "format_datetime", "format_time",
		"upper", "lower", "trim", "int", "float", "bool"}
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006 15:04",
	"01/02/2006",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Monday, January 2, 2006",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04PM",
	"3:04 PM",
	"3:04pm",
	"3:04 pm",
	"3PM",
	"3 PM",
	"3pm",
	"3 pm",
}

// ParseDateTime accepts the absolute date and datetime spellings the
// extractor is likely to produce, optionally followed by a zone name ("EST",
// "UTC+2"), and relative expressions resolved against now ("tomorrow at 3pm",
// "next monday", "in 3 days"). Values without a zone are read in loc.
func ParseDateTime(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, ok := parseAbsolute(s, loc); ok {
		return t, true
	}
	if zone, rest, ok := cutZone(s); ok {
		if t, ok := parseAbsolute(rest, zone); ok {
			return t, true
		}
		return parseRelative(rest, now, zone)
	}
	return parseRelative(s, now, loc)
}

func parseAbsolute(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asTime(v interface{}, c clock) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		return ParseDateTime(val, c.now(), c.loc)
	}
	return time.Time{}, false
}

func formatDate(v interface{}, c clock) (interface{}, error) {
	t, ok := asTime(v, c)
	if !ok {
		return v, fmt.Errorf("cannot read %v as a date", v)
	}
	return t.Format("2006-01-02"), nil
}

func formatDateTime(v interface{}, c clock) (interface{}, error) {
	t, ok := asTime(v, c)
	if !ok {
		return v, fmt.Errorf("cannot read %v as a datetime", v)
	}
	return t.Format(time.RFC3339), nil
}

func formatTime(v interface{}, c clock) (interface{}, error) {
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t.Format("15:04:05"), nil
			}
		}
	}
	if t, ok := asTime(v, c); ok {
		return t.Format("15:04:05"), nil
	}
	return v, fmt.Errorf("cannot read %v as a time of day", v)
}

func stringOp(op func(string) string) func(interface{}, clock) (interface{}, error) {
	return func(v interface{}, _ clock) (interface{}, error) {
		return op(Stringify(v)), nil
	}
}

func toInt(v interface{}, _ clock) (interface{}, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return int(val), nil
		}
		return nil, fmt.Errorf("%v is not a whole number", val)
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int(f), nil
		}
		return nil, fmt.Errorf("%q is not an integer", val)
	}
	return nil, fmt.Errorf("%v (%T) is not an integer", v, v)
}

func toFloat(v interface{}, _ clock) (interface{}, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", val)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%v (%T) is not a number", v, v)
}

func toBool(v interface{}, _ clock) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		if val == 0 || val == 1 {
			return val == 1, nil
		}
	case int:
		if val == 0 || val == 1 {
			return val == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "on", "1":
			return true, nil
		case "false", "no", "n", "off", "0":
			return false, nil
		}
	}
	return nil, fmt.Errorf("%v is not a boolean", v)
}

// Stringify renders v for interpolation into a larger string.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(time.RFC3339)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "no", "off", "0":
			return false
		}
		return true
	case float64:
		return val != 0
	case int:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	}
	return true
}
