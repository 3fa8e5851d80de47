// Package cronexpr evaluates standard five-field cron expressions
// (minute, hour, day-of-month, month, day-of-week). Ranges, lists, steps
// and wildcards are supported; a seconds field is not. When both
// day-of-month and day-of-week are restricted, a time matching either
// field fires, which is the classic cron convention.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts exactly five fields; no seconds, no descriptors.
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Validate reports whether expr is a parseable five-field cron expression.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("empty cron expression")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextAfter returns the next fire time strictly after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(t), nil
}

// NextN returns the next n fire times strictly after t, in increasing order.
func NextN(expr string, n int, t time.Time) ([]time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	cur := t
	for i := 0; i < n; i++ {
		cur = sched.Next(cur)
		if cur.IsZero() {
			break
		}
		out = append(out, cur)
	}
	return out, nil
}

// DueWithin reports whether expr had a fire time inside (now-window, now].
func DueWithin(expr string, now time.Time, window time.Duration) (bool, error) {
	next, err := NextAfter(expr, now.Add(-window))
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

var monthNames = []string{"", "January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

var dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders a best-effort human-readable summary of expr.
// The output is advisory; it is never parsed back.
func Describe(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	if err := Validate(expr); err != nil {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	var parts []string
	parts = append(parts, describeTime(minute, hour))
	if dom != "*" {
		parts = append(parts, "on day "+describeField(dom, nil))
	}
	if month != "*" {
		parts = append(parts, "in "+describeField(month, monthName))
	}
	if dow != "*" {
		parts = append(parts, "on "+describeField(dow, dayName))
	}
	return strings.Join(parts, " ")
}

func describeTime(minute, hour string) string {
	// Common shapes get idiomatic phrasing; everything else falls back
	// to field-by-field description.
	switch {
	case minute == "*" && hour == "*":
		return "every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*":
		return fmt.Sprintf("every %s minutes", minute[2:])
	case isNumber(minute) && hour == "*":
		return fmt.Sprintf("at minute %s of every hour", minute)
	case isNumber(minute) && isNumber(hour):
		m, _ := strconv.Atoi(minute)
		h, _ := strconv.Atoi(hour)
		return fmt.Sprintf("at %02d:%02d", h, m)
	case isNumber(minute) && strings.HasPrefix(hour, "*/"):
		return fmt.Sprintf("at minute %s of every %s hours", minute, hour[2:])
	default:
		return fmt.Sprintf("at minute %s past hour %s", minute, hour)
	}
}

func describeField(field string, name func(int) string) string {
	var out []string
	for _, part := range strings.Split(field, ",") {
		out = append(out, describePart(part, name))
	}
	return strings.Join(out, ", ")
}

func describePart(part string, name func(int) string) string {
	rangePart, step, hasStep := strings.Cut(part, "/")
	var desc string
	switch {
	case rangePart == "*":
		desc = "every"
	case strings.Contains(rangePart, "-"):
		lo, hi, _ := strings.Cut(rangePart, "-")
		desc = fmt.Sprintf("%s through %s", render(lo, name), render(hi, name))
	default:
		desc = render(rangePart, name)
	}
	if hasStep {
		desc += fmt.Sprintf(" every %s", step)
	}
	return desc
}

func render(v string, name func(int) string) string {
	if name == nil {
		return v
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return v
	}
	return name(n)
}

func monthName(n int) string {
	if n >= 1 && n <= 12 {
		return monthNames[n]
	}
	return strconv.Itoa(n)
}

func dayName(n int) string {
	// Cron allows 7 as an alias for Sunday.
	if n == 7 {
		n = 0
	}
	if n >= 0 && n <= 6 {
		return dayNames[n]
	}
	return strconv.Itoa(n)
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
