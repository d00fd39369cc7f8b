// Package domain defines the core market-data types shared by the cache,
// storage, provider and API layers.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the canonical civil-date format used in file names, metadata
// keys and the HTTP API.
const DateLayout = "2006-01-02"

// Bar is one daily OHLCV record for a symbol.
type Bar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"` // UTC midnight, see DateOf
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Tick is one trade print within a trading day.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Flag      int64     `json:"flag"` // provider sequence flag
}

// DayState is the lifecycle state of a cached intraday day.
type DayState string

const (
	DayStateProvisional DayState = "PROVISIONAL"
	DayStateFinal       DayState = "FINAL"
)

// Valid reports whether s is a known state.
func (s DayState) Valid() bool {
	return s == DayStateProvisional || s == DayStateFinal
}

// DateOf truncates t to its civil date (in t's own location) and returns it
// as UTC midnight, so dates compare with == and Before/After.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC-midnight date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,31}$`)

// NormalizeSymbol upper-cases and trims a symbol and checks it is safe to use
// as a file name. Symbols such as "600519", "AAPL" and "BRK.B" are accepted.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRe.MatchString(s) || strings.Contains(s, "..") {
		return "", fmt.Errorf("malformed symbol %q", symbol)
	}
	return s, nil
}
