package store

import (
	"fmt"
	"time"

	"quantcache/internal/domain"
)

// MetaVersion is the schema version written into every metadata record.
// Records carrying another version are treated as absent.
const MetaVersion = 1

// DateRange is an inclusive [Min, Max] range of YYYY-MM-DD dates.
type DateRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// SeriesMeta describes the cached bar series of one symbol.
type SeriesMeta struct {
	Version     int       `json:"version"`
	Symbol      string    `json:"symbol"`
	Range       DateRange `json:"range"`
	RecordCount int       `json:"record_count"`
	LastUpdate  time.Time `json:"last_update"`
}

// NewSeriesMeta builds a record from a non-empty, sorted series.
func NewSeriesMeta(symbol string, bars []domain.Bar, lastUpdate time.Time) SeriesMeta {
	m := SeriesMeta{
		Version:     MetaVersion,
		Symbol:      symbol,
		RecordCount: len(bars),
		LastUpdate:  lastUpdate,
	}
	if len(bars) > 0 {
		m.Range = DateRange{
			Min: domain.FormatDate(bars[0].Date),
			Max: domain.FormatDate(bars[len(bars)-1].Date),
		}
	}
	return m
}

// Validate checks the record against the current schema.
func (m SeriesMeta) Validate() error {
	if m.Version != MetaVersion {
		return fmt.Errorf("series meta %s: version %d, want %d", m.Symbol, m.Version, MetaVersion)
	}
	if m.Symbol == "" {
		return fmt.Errorf("series meta: empty symbol")
	}
	lo, hi, err := m.Bounds()
	if err != nil {
		return err
	}
	if hi.Before(lo) {
		return fmt.Errorf("series meta %s: min %s after max %s", m.Symbol, m.Range.Min, m.Range.Max)
	}
	if m.RecordCount <= 0 {
		return fmt.Errorf("series meta %s: record count %d", m.Symbol, m.RecordCount)
	}
	if m.LastUpdate.IsZero() {
		return fmt.Errorf("series meta %s: missing last_update", m.Symbol)
	}
	return nil
}

// Bounds parses the range into dates.
func (m SeriesMeta) Bounds() (lo, hi time.Time, err error) {
	if lo, err = domain.ParseDate(m.Range.Min); err != nil {
		return lo, hi, fmt.Errorf("series meta %s: %w", m.Symbol, err)
	}
	if hi, err = domain.ParseDate(m.Range.Max); err != nil {
		return lo, hi, fmt.Errorf("series meta %s: %w", m.Symbol, err)
	}
	return lo, hi, nil
}

// DayMeta describes one cached intraday day.
type DayMeta struct {
	Version     int             `json:"version"`
	Symbol      string          `json:"symbol"`
	TradingDay  string          `json:"trading_day"`
	LastUpdate  time.Time       `json:"last_update"`
	RecordCount int             `json:"record_count"`
	State       domain.DayState `json:"state"`
	FirstTick   time.Time       `json:"first_tick"`
	LastTick    time.Time       `json:"last_tick"`
}

// DayKey is the metadata key of an intraday entry: "SYMBOL:YYYY-MM-DD".
func DayKey(symbol string, day time.Time) string {
	return symbol + ":" + domain.FormatDate(day)
}

// Key returns the entry's DayKey.
func (m DayMeta) Key() string {
	return m.Symbol + ":" + m.TradingDay
}

// Day parses TradingDay.
func (m DayMeta) Day() (time.Time, error) {
	return domain.ParseDate(m.TradingDay)
}

// Validate checks the entry against the current schema.
func (m DayMeta) Validate() error {
	if m.Version != MetaVersion {
		return fmt.Errorf("day meta %s: version %d, want %d", m.Key(), m.Version, MetaVersion)
	}
	if m.Symbol == "" {
		return fmt.Errorf("day meta: empty symbol")
	}
	if _, err := m.Day(); err != nil {
		return fmt.Errorf("day meta %s: %w", m.Key(), err)
	}
	if !m.State.Valid() {
		return fmt.Errorf("day meta %s: unknown state %q", m.Key(), m.State)
	}
	if m.RecordCount <= 0 {
		return fmt.Errorf("day meta %s: record count %d", m.Key(), m.RecordCount)
	}
	if m.LastUpdate.IsZero() {
		return fmt.Errorf("day meta %s: missing last_update", m.Key())
	}
	return nil
}
