package reports

import "time"

// IsSameCalendarDay reports whether a and b fall on the same date in loc.
// A nil loc compares in UTC.
func IsSameCalendarDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	aYear, aMonth, aDay := a.In(loc).Date()
	bYear, bMonth, bDay := b.In(loc).Date()
	return aYear == bYear && aMonth == bMonth && aDay == bDay
}
