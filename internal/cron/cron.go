// Package cron parses POSIX 5-field cron expressions and matches them
// against specific minutes, the way the scheduler's catch-up window needs
// rather than the "find the next occurrence" style of a typical cron
// library.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed 5-field cron expression.
type Expr struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
	// domStar/dowStar record whether the original field was "*", needed to
	// implement POSIX OR-combination: when both day-of-month and
	// day-of-week are restricted (neither is "*"), a slot matches if EITHER
	// field matches, not both.
	domStar bool
	dowStar bool
	raw     string
}

var aliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var months = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Parse parses a 5-field cron expression, including the common @hourly
// style aliases.
func Parse(expr string) (*Expr, error) {
	raw := strings.TrimSpace(expr)
	if alias, ok := aliases[raw]; ok {
		raw = alias
	}

	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59, nil)
	if err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23, nil)
	if err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31, nil)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12, months)
	if err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7, weekdays)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	// Normalize 7 (Sunday, some dialects) to 0.
	for i, v := range dow {
		if v == 7 {
			dow[i] = 0
		}
	}

	return &Expr{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dom,
		month:      month,
		dayOfWeek:  dow,
		domStar:    fields[2] == "*",
		dowStar:    fields[4] == "*",
		raw:        expr,
	}, nil
}

func parseField(field string, min, max int, names map[string]int) ([]int, error) {
	if field == "*" {
		values := make([]int, 0, max-min+1)
		for i := min; i <= max; i++ {
			values = append(values, i)
		}
		return values, nil
	}

	var out []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, min, max, names)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return unique(out), nil
}

func parseFieldPart(part string, min, max int, names map[string]int) ([]int, error) {
	step := 1
	base := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		base = part[:idx]
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step in %q", part)
		}
		step = s
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = min, max
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		l, err := parseValue(bounds[0], names)
		if err != nil {
			return nil, err
		}
		h, err := parseValue(bounds[1], names)
		if err != nil {
			return nil, err
		}
		lo, hi = l, h
	default:
		v, err := parseValue(base, names)
		if err != nil {
			return nil, err
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return nil, fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
	}

	var values []int
	for i := lo; i <= hi; i += step {
		values = append(values, i)
	}
	return values, nil
}

func parseValue(s string, names map[string]int) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if names != nil {
		if v, ok := names[s]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func unique(values []int) []int {
	seen := make(map[int]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Matches reports whether t (interpreted in its own location) satisfies the
// expression, combining day-of-month and day-of-week with POSIX OR
// semantics when both fields are restricted.
func (e *Expr) Matches(t time.Time) bool {
	if !contains(e.minute, t.Minute()) {
		return false
	}
	if !contains(e.hour, t.Hour()) {
		return false
	}
	if !contains(e.month, int(t.Month())) {
		return false
	}

	domMatch := contains(e.dayOfMonth, t.Day())
	dowMatch := contains(e.dayOfWeek, int(t.Weekday()))

	switch {
	case e.domStar && e.dowStar:
		return true
	case e.domStar:
		return dowMatch
	case e.dowStar:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// String returns the original expression text (post-alias-expansion source
// is not retained; callers that need the marker fingerprint should use the
// expression text they parsed).
func (e *Expr) String() string {
	return e.raw
}

// ZonedMinuteKey formats t, interpreted in loc, as "YYYY-MM-DDTHH:MM" with
// seconds and sub-second components dropped.
func ZonedMinuteKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02T15:04")
}
