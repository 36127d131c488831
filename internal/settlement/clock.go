// Package settlement decides when purchased shares leave their settlement
// window. Release dates are computed at purchase time and compared against
// "today" at read time; nothing is swept or mutated later.
package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownCalendar is returned by ParseCalendar for an unrecognised name.
var ErrUnknownCalendar = errors.New("settlement: unknown calendar")

// Calendar advances a day-truncated date by a number of settlement days.
type Calendar interface {
	AddDays(day time.Time, days int) time.Time
	Name() string
}

// FlatDays counts every calendar day.
type FlatDays struct{}

func (FlatDays) AddDays(day time.Time, days int) time.Time {
	return day.AddDate(0, 0, days)
}

func (FlatDays) Name() string { return "flat" }

// BusinessDays counts Monday to Friday only. A purchase on a weekend day
// settles counting from the following business days.
type BusinessDays struct{}

func (BusinessDays) AddDays(day time.Time, days int) time.Time {
	for days > 0 {
		day = day.AddDate(0, 0, 1)
		if isWeekend(day) {
			continue
		}
		days--
	}
	return day
}

func (BusinessDays) Name() string { return "business" }

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ParseCalendar maps a configuration value to a Calendar.
func ParseCalendar(name string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "flat":
		return FlatDays{}, nil
	case "business":
		return BusinessDays{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCalendar, name)
}

// Clock is the single source of "now" for the ledgers. Tests replace the
// time source with WithNowFunc.
type Clock struct {
	now      func() time.Time
	calendar Calendar
	loc      *time.Location
}

// Option configures a Clock.
type Option func(*Clock)

// WithNowFunc overrides the time source.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Clock) { c.now = fn }
}

// WithCalendar sets the settlement calendar. Defaults to FlatDays.
func WithCalendar(cal Calendar) Option {
	return func(c *Clock) { c.calendar = cal }
}

// WithLocation sets the zone in which day boundaries are computed.
// Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(c *Clock) { c.loc = loc }
}

// NewClock creates a Clock on the wall clock, flat calendar, UTC.
func NewClock(opts ...Option) *Clock {
	c := &Clock{
		now:      time.Now,
		calendar: FlatDays{},
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the current instant in the clock's location.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns midnight of the current day.
func (c *Clock) Today() time.Time {
	return c.Day(c.Now())
}

// Day truncates t to midnight in the clock's location.
func (c *Clock) Day(t time.Time) time.Time {
	t = t.In(c.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// ReleaseDate returns the first day on which shares bought at purchase are
// no longer blocked.
func (c *Clock) ReleaseDate(purchase time.Time, settlementDays int) time.Time {
	if settlementDays <= 0 {
		return c.Day(purchase)
	}
	return c.calendar.AddDays(c.Day(purchase), settlementDays)
}

// IsBlocked reports whether a lot released at release is still inside its
// settlement window at now.
func (c *Clock) IsBlocked(release, now time.Time) bool {
	return c.Day(now).Before(release)
}

// Calendar returns the configured settlement calendar.
func (c *Clock) Calendar() Calendar {
	return c.calendar
}
