package canonical

import (
	"fmt"
	"time"
)

// Offsets of the local market time.
const (
	cetOffset  = 1 * time.Hour
	cestOffset = 2 * time.Hour
)

// lastSunday returns the day-of-month of the last Sunday in month.
func lastSunday(year int, month time.Month) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	return last.Day() - int(last.Weekday())
}

// CESTWindow returns the UTC instants at which summer time begins and ends in
// year: the last Sunday of March at 02:00 UTC and the last Sunday of October
// at 03:00 UTC. Existing sealed datasets were bucketed with exactly these
// boundaries, so they must not be replaced with the tz database.
func CESTWindow(year int) (start, end time.Time) {
	start = time.Date(year, time.March, lastSunday(year, time.March), 2, 0, 0, 0, time.UTC)
	end = time.Date(year, time.October, lastSunday(year, time.October), 3, 0, 0, 0, time.UTC)
	return start, end
}

// IsCEST reports whether instant t falls inside the summer-time window.
func IsCEST(t time.Time) bool {
	u := t.UTC()
	start, end := CESTWindow(u.Year())
	return !u.Before(start) && u.Before(end)
}

// LocalTime re-expresses t in the market's local wall clock. The returned
// value carries the wall-clock fields in a UTC location.
func LocalTime(t time.Time) time.Time {
	u := t.UTC()
	if IsCEST(u) {
		return u.Add(cestOffset)
	}
	return u.Add(cetOffset)
}

// Bucket returns the local delivery date and hour of instant t.
func Bucket(t time.Time) (date string, hour int) {
	l := LocalTime(t)
	return l.Format("2006-01-02"), l.Hour()
}

// PseudoUTC formats a local date and hour as the store's timestamp,
// {date}T{HH}:00:00Z. The hour is local market time tagged with Z; this is the
// fixed wire format of the canonical store, not a UTC conversion.
func PseudoUTC(date string, hour int) string {
	return fmt.Sprintf("%sT%02d:00:00Z", date, hour)
}

// IsTransitionDay reports whether date (YYYY-MM-DD) is the last Sunday of
// March or October, the days that legitimately have 23 or 25 hours.
func IsTransitionDay(date string) bool {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	if d.Month() != time.March && d.Month() != time.October {
		return false
	}
	return d.Day() == lastSunday(d.Year(), d.Month())
}
