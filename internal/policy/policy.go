// Package policy decides whether dispatch is allowed at a point in time,
// always evaluated in the tenant's configured timezone.
package policy

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is used whenever a tenant timezone is unset or invalid.
const DefaultTimezone = "America/Sao_Paulo"

// Weekday numbering is 0=Monday..6=Sunday everywhere in this codebase;
// this is the single place Go's 0=Sunday convention is converted.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// Window is a campaign's allowed sending window: a weekday set plus an
// optional time-of-day range. The zero value allows business days, all day.
type Window struct {
	// WorkingDays holds 0=Monday..6=Sunday. Empty means Monday-Friday.
	WorkingDays []int
	// StartTime and EndTime are "HH:MM" local times. Either empty means
	// no time-of-day restriction.
	StartTime string
	EndTime   string
	Location  *time.Location
}

// ParseWorkingDays parses the stored "0,1,2,3,4" form. Invalid entries are
// skipped; an empty or fully invalid value yields nil (business days).
func ParseWorkingDays(s string) []int {
	var days []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 || d > 6 {
			continue
		}
		days = append(days, d)
	}
	return days
}

// LoadLocation resolves a tenant timezone, falling back to DefaultTimezone
// when the name is empty or unknown.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("invalid timezone, using default", "timezone", name, "default", DefaultTimezone)
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}

func (w Window) location() *time.Location {
	if w.Location != nil {
		return w.Location
	}
	return LoadLocation("")
}

// Contains reports whether now falls inside the window. Malformed time
// strings fail open: a parsing defect must never block dispatch.
func (w Window) Contains(now time.Time) bool {
	local := now.In(w.location())

	days := w.WorkingDays
	if len(days) == 0 {
		days = []int{0, 1, 2, 3, 4}
	}
	today := Weekday(local)
	allowed := false
	for _, d := range days {
		if d == today {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	if w.StartTime == "" || w.EndTime == "" {
		return true
	}

	start, err := parseClock(w.StartTime)
	if err != nil {
		slog.Warn("malformed start_time, allowing dispatch", "start_time", w.StartTime, "err", err)
		return true
	}
	end, err := parseClock(w.EndTime)
	if err != nil {
		slog.Warn("malformed end_time, allowing dispatch", "end_time", w.EndTime, "err", err)
		return true
	}

	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return start <= cur && cur <= end
	}
	// Window crosses midnight.
	return cur >= start || cur <= end
}

// UntilNextDay returns the duration from now until the next local midnight
// in the window's timezone. Used to wait out a reached daily cap.
func (w Window) UntilNextDay(now time.Time) time.Duration {
	local := now.In(w.location())
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
	return next.Sub(local)
}

// DayStart returns the start of the current local day in the window's
// timezone, the lower bound for "sent today" counts.
func (w Window) DayStart(now time.Time) time.Time {
	local := now.In(w.location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
