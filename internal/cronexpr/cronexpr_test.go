package cronexpr_test

import (
	"testing"
	"time"

	"github.com/basket/cronpilot/internal/cronexpr"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"15,45 8-18 * * *",
		"0 0 1 1 *",
		"30 2 */2 * 0",
	}
	for _, expr := range valid {
		if err := cronexpr.Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"not a cron",
	}
	for _, expr := range invalid {
		if err := cronexpr.Validate(expr); err == nil {
			t.Errorf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestNextAfterStrictlyGreater(t *testing.T) {
	exprs := []string{"* * * * *", "*/5 * * * *", "0 9 * * 1-5", "0 0 1 1 *"}
	instants := []time.Time{
		time.Date(2026, 8, 24, 12, 0, 3, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), // year rollover
		time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC),   // month rollover
		// DST spring-forward in US Eastern (2026-03-08 02:00).
		time.Date(2026, 3, 8, 1, 59, 0, 0, mustLoadLocation(t, "America/New_York")),
	}
	for _, expr := range exprs {
		for _, at := range instants {
			next, err := cronexpr.NextAfter(expr, at)
			if err != nil {
				t.Fatalf("NextAfter(%q, %v): %v", expr, at, err)
			}
			if !next.After(at) {
				t.Errorf("NextAfter(%q, %v) = %v, not strictly greater", expr, at, next)
			}
		}
	}
}

func TestNextAfterIdempotentBoundary(t *testing.T) {
	// next_after(E, next_after(E, t) - 1s) == next_after(E, t)
	at := time.Date(2026, 8, 24, 12, 0, 3, 0, time.UTC)
	for _, expr := range []string{"*/5 * * * *", "0 9 * * *", "30 14 1 * *"} {
		next, err := cronexpr.NextAfter(expr, at)
		if err != nil {
			t.Fatalf("NextAfter: %v", err)
		}
		again, err := cronexpr.NextAfter(expr, next.Add(-time.Second))
		if err != nil {
			t.Fatalf("NextAfter: %v", err)
		}
		if !again.Equal(next) {
			t.Errorf("expr %q: NextAfter(next-1s) = %v, want %v", expr, again, next)
		}
	}
}

func TestNextNStrictlyIncreasing(t *testing.T) {
	at := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	times, err := cronexpr.NextN("*/15 * * * *", 8, at)
	if err != nil {
		t.Fatalf("NextN: %v", err)
	}
	if len(times) != 8 {
		t.Fatalf("NextN returned %d times, want 8", len(times))
	}
	prev := at
	for i, ts := range times {
		if !ts.After(prev) {
			t.Errorf("times[%d] = %v not after %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestDomDowUnion(t *testing.T) {
	// Both day-of-month and day-of-week restricted: either match fires.
	// "0 0 13 * 5" fires on the 13th AND on every Friday.
	// 2026-02-12 is a Thursday; the 13th is a Friday.
	at := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	first, err := cronexpr.NextAfter("0 0 13 * 5", at)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	want := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Fatalf("first fire = %v, want %v", first, want)
	}
	// The next fire is the following Friday (Feb 20), not March 13.
	second, err := cronexpr.NextAfter("0 0 13 * 5", first)
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	wantSecond := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	if !second.Equal(wantSecond) {
		t.Errorf("second fire = %v, want %v (day-of-week match)", second, wantSecond)
	}
}

func TestDueWithin(t *testing.T) {
	// */5 at 12:00:03 with a 60s window: 12:00:00 fired inside the window.
	at := time.Date(2026, 8, 24, 12, 0, 3, 0, time.UTC)
	due, err := cronexpr.DueWithin("*/5 * * * *", at, time.Minute)
	if err != nil {
		t.Fatalf("DueWithin: %v", err)
	}
	if !due {
		t.Error("expected */5 to be due at 12:00:03 with 60s window")
	}

	due, err = cronexpr.DueWithin("0 3 * * *", at, time.Minute)
	if err != nil {
		t.Fatalf("DueWithin: %v", err)
	}
	if due {
		t.Error("did not expect 03:00 daily to be due at 12:00:03")
	}
}

func TestDescribe(t *testing.T) {
	cases := map[string]string{
		"* * * * *":    "every minute",
		"*/5 * * * *":  "every 5 minutes",
		"0 9 * * 1-5":  "at 09:00 on Monday through Friday",
		"30 14 1 * *":  "at 14:30 on day 1",
		"0 0 1 1 *":    "at 00:00 on day 1 in January",
	}
	for expr, want := range cases {
		if got := cronexpr.Describe(expr); got != want {
			t.Errorf("Describe(%q) = %q, want %q", expr, got, want)
		}
	}
	// Invalid expressions are returned unchanged.
	if got := cronexpr.Describe("bogus"); got != "bogus" {
		t.Errorf("Describe(invalid) = %q, want passthrough", got)
	}
}

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone db unavailable: %v", err)
	}
	return loc
}
