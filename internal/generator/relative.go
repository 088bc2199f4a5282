package generator

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// clock fixes how zone-less and relative dates are read.
type clock struct {
	loc *time.Location
	now func() time.Time
}

var (
	offsetRe  = regexp.MustCompile(`^in (\d+) (day|week)s?$`)
	fromNowRe = regexp.MustCompile(`^(\d+) (day|week)s? from now$`)
	weekdayRe = regexp.MustCompile(`^(?:(this|next|last) )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)$`)
	clockRe   = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	offsetTZ  = regexp.MustCompile(`^(?:utc|gmt)([+-])(\d{1,2})$`)

	trailingTimeRe = regexp.MustCompile(`^(.+?)\s+(?:at\s+)?(\d{1,2}(?::\d{2})?\s*(?:am|pm)?|noon|midnight|morning|afternoon|evening)$`)
	leadingTimeRe  = regexp.MustCompile(`^(?:at\s+)?(\d{1,2}(?::\d{2})?\s*(?:am|pm)|noon|midnight)\s+(.+)$`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

var namedClocks = map[string][2]int{
	"noon":      {12, 0},
	"midnight":  {0, 0},
	"morning":   {9, 0},
	"afternoon": {14, 0},
	"evening":   {18, 0},
}

var zoneNames = map[string]string{
	"utc": "UTC", "gmt": "UTC",
	"est": "America/New_York", "edt": "America/New_York", "et": "America/New_York", "eastern": "America/New_York",
	"cst": "America/Chicago", "cdt": "America/Chicago", "ct": "America/Chicago", "central": "America/Chicago",
	"mst": "America/Denver", "mdt": "America/Denver", "mt": "America/Denver", "mountain": "America/Denver",
	"pst": "America/Los_Angeles", "pdt": "America/Los_Angeles", "pt": "America/Los_Angeles", "pacific": "America/Los_Angeles",
}

// cutZone splits a trailing zone name ("EST", "UTC+2") off s.
func cutZone(s string) (*time.Location, string, bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return nil, s, false
	}
	name := strings.ToLower(s[i+1:])
	rest := strings.TrimSpace(s[:i])

	if m := offsetTZ.FindStringSubmatch(name); m != nil {
		hours, _ := strconv.Atoi(m[2])
		if hours > 14 {
			return nil, s, false
		}
		if m[1] == "-" {
			hours = -hours
		}
		return time.FixedZone(strings.ToUpper(name), hours*3600), rest, true
	}
	id, ok := zoneNames[name]
	if !ok {
		return nil, s, false
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, s, false
	}
	return loc, rest, true
}

// parseRelative reads expressions such as "tomorrow at 3pm", "next monday",
// "in 3 days" or "noon" against now. A day without a time means midnight.
func parseRelative(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	text := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if text == "" {
		return time.Time{}, false
	}
	now = now.In(loc)
	if text == "now" {
		return now, true
	}

	dayPart, timePart := text, ""
	if only := strings.TrimPrefix(text, "at "); explicitClock(only) {
		dayPart, timePart = "today", only
	} else if before, after, ok := strings.Cut(text, " at "); ok {
		dayPart, timePart = before, after
	} else if m := trailingTimeRe.FindStringSubmatch(text); m != nil {
		dayPart, timePart = m[1], m[2]
	} else if m := leadingTimeRe.FindStringSubmatch(text); m != nil {
		dayPart, timePart = m[2], m[1]
	}

	day, ok := relativeDay(dayPart, now)
	if !ok {
		return time.Time{}, false
	}
	hour, minute := 0, 0
	if timePart != "" {
		if hour, minute, ok = clockOf(timePart); !ok {
			return time.Time{}, false
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), true
}

func relativeDay(s string, now time.Time) (time.Time, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch s {
	case "today":
		return today, true
	case "tomorrow", "tmrw":
		return today.AddDate(0, 0, 1), true
	case "day after tomorrow", "the day after tomorrow":
		return today.AddDate(0, 0, 2), true
	case "yesterday":
		return today.AddDate(0, 0, -1), true
	case "next week":
		return today.AddDate(0, 0, 7), true
	}

	for _, re := range []*regexp.Regexp{offsetRe, fromNowRe} {
		if m := re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return time.Time{}, false
			}
			if m[2] == "week" {
				n *= 7
			}
			return today.AddDate(0, 0, n), true
		}
	}

	if m := weekdayRe.FindStringSubmatch(s); m != nil {
		return today.AddDate(0, 0, weekdayDelta(now.Weekday(), weekdays[m[2]], m[1])), true
	}
	return time.Time{}, false
}

// weekdayDelta: a bare or "this" weekday is the next occurrence including
// today, "next" skips today, "last" is the previous occurrence.
func weekdayDelta(current, target time.Weekday, modifier string) int {
	d := int(target) - int(current)
	switch modifier {
	case "next":
		if d <= 0 {
			d += 7
		}
	case "last":
		if d >= 0 {
			d -= 7
		}
	default:
		if d < 0 {
			d += 7
		}
	}
	return d
}

// explicitClock reports whether s alone reads as a time of day. A bare
// number does not.
func explicitClock(s string) bool {
	if _, _, ok := clockOf(s); !ok {
		return false
	}
	_, named := namedClocks[s]
	return named || strings.Contains(s, ":") || strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm")
}

func clockOf(s string) (int, int, bool) {
	if hm, ok := namedClocks[s]; ok {
		return hm[0], hm[1], true
	}
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, false
	}
	switch m[3] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		hour %= 12
		if m[3] == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, false
		}
	}
	return hour, minute, true
}
