package ledger

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the wire and log format of a calendar day.
const DayLayout = "2006-01-02"

// Calendar maps instants onto ledger days in one reference time zone. Every
// component that touches a day goes through it.
type Calendar struct {
	loc *time.Location
}

// NewCalendar builds a Calendar for the IANA zone name; empty means UTC.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		return Calendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("ledger: load timezone %q: %w", zone, err)
	}
	return Calendar{loc: loc}, nil
}

// UTCCalendar uses UTC as the reference zone.
func UTCCalendar() Calendar {
	return Calendar{loc: time.UTC}
}

// Location returns the reference zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Day maps the instant t to its date in the reference zone. The result is
// expressed as midnight UTC of that date, which is how DATE columns round-trip.
// Values that already hold a date go through DateOf instead.
func (c Calendar) Day(t time.Time) time.Time {
	return DateOf(t.In(c.Location()))
}

// DateOf reads the calendar date of a day value from its own wall clock and
// returns it as midnight UTC. It is idempotent and never consults a zone.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the current ledger day.
func (c Calendar) Today() time.Time {
	return c.Day(time.Now())
}

// Parse accepts either a bare date, returned as that date, or an RFC3339
// instant, mapped through the reference zone.
func (c Calendar) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, invalid("day", "is required")
	}
	if t, err := time.Parse(DayLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, invalid("day", fmt.Sprintf("%q is not a date", value))
	}
	return c.Day(t), nil
}

// Next returns the following calendar day.
func (c Calendar) Next(day time.Time) time.Time {
	return DateOf(day).AddDate(0, 0, 1)
}
