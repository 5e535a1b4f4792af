package schedule

import "time"

// maxAdjustments bounds the calendar loop. Each pass moves forward by at least
// an hour, so this covers years of consecutive blocked days.
const maxAdjustments = 4096

// Resolve computes a send time from base. First touches add offsetMinutes to
// base; follow-ups add delayDays calendar days to base, which must be the
// previous step's resolved time. The result is moved forward until it lands
// inside the policy's working window on an allowed day, and is returned in UTC.
func Resolve(base time.Time, p Policy, offsetMinutes int, firstTouch bool, delayDays int) time.Time {
	t := base.In(p.Location)
	if firstTouch {
		t = t.Add(time.Duration(offsetMinutes) * time.Minute)
	} else {
		t = t.AddDate(0, 0, delayDays)
	}

	for i := 0; i < maxAdjustments; i++ {
		next, moved := p.adjust(t)
		if !moved {
			break
		}
		// A window start inside a DST gap can normalize to an earlier instant.
		if !next.After(t) {
			next = t.Add(time.Hour)
		}
		t = next
	}
	return t.UTC()
}

// adjust applies the first violated rule to t.
func (p Policy) adjust(t time.Time) (time.Time, bool) {
	switch {
	case t.Hour() < p.StartHour:
		return p.windowStart(t, 0), true
	case p.SkipWeekends && t.Weekday() == time.Saturday:
		return p.windowStart(t, 2), true
	case p.SkipWeekends && t.Weekday() == time.Sunday:
		return p.windowStart(t, 1), true
	case p.SkipHolidays && p.Holidays.Contains(t):
		return p.windowStart(t, 1), true
	case t.Hour() >= p.EndHour:
		return p.windowStart(t, 1), true
	}
	return t, false
}

func (p Policy) windowStart(t time.Time, days int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+days, p.StartHour, 0, 0, 0, p.Location)
}

// InWindow reports whether t satisfies every rule of the policy.
func (p Policy) InWindow(t time.Time) bool {
	_, moved := p.adjust(t.In(p.Location))
	return !moved
}
