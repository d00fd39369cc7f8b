package util

import (
	"fmt"
	"time"
)

// TradingCalendar decides which trading day a provider is serving at a given
// instant, and when a calendar date's data becomes final.
type TradingCalendar interface {
	// TradingDay returns the trading day (UTC midnight) whose data the
	// provider considers current at now.
	TradingDay(now time.Time) time.Time

	// Cutover returns the instant on the civil date of day at which the
	// provider's daily close-processing step completes.
	Cutover(day time.Time) time.Time

	// Location is the time zone the calendar reasons in.
	Location() *time.Location
}

// CutoverCalendar is a TradingCalendar with one fixed daily cutover hour.
// Before the cutover the provider still serves the previous day.
type CutoverCalendar struct {
	loc  *time.Location
	hour int
}

var _ TradingCalendar = (*CutoverCalendar)(nil)

// NewCutoverCalendar creates a calendar in loc with the given cutover hour
// (0-23).
func NewCutoverCalendar(loc *time.Location, hour int) (*CutoverCalendar, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("cutover hour %d out of range 0-23", hour)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CutoverCalendar{loc: loc, hour: hour}, nil
}

// LoadCutoverCalendar resolves the IANA zone name and builds a
// CutoverCalendar. An empty zone means the local zone.
func LoadCutoverCalendar(zone string, hour int) (*CutoverCalendar, error) {
	loc := time.Local
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", zone, err)
		}
		loc = l
	}
	return NewCutoverCalendar(loc, hour)
}

// TradingDay returns today-1 when now is before the cutover hour, else today.
func (c *CutoverCalendar) TradingDay(now time.Time) time.Time {
	n := now.In(c.loc)
	y, m, d := n.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if n.Hour() < c.hour {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// Cutover returns day at hour:00 in the calendar's location.
func (c *CutoverCalendar) Cutover(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.hour, 0, 0, 0, c.loc)
}

// Location returns the calendar's time zone.
func (c *CutoverCalendar) Location() *time.Location { return c.loc }

// Hour returns the cutover hour.
func (c *CutoverCalendar) Hour() int { return c.hour }
