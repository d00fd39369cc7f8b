package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantcache/internal/domain"
)

// Compile-time interface checks.
var _ SeriesStore = (*ParquetStore)(nil)
var _ TickStore = (*ParquetStore)(nil)

// ParquetStore implements SeriesStore and TickStore using Parquet files under
// <DataDir>/cache.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for a cached daily bar.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // UTC midnight, Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// TickRecord is the Parquet schema for a cached intraday tick.
type TickRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
	Price     float64 `parquet:"price"`
	Volume    int64   `parquet:"volume"`
	Flag      int64   `parquet:"flag"`
}

func barToRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:    b.Symbol,
		Timestamp: b.Date.UnixMilli(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

func recordToBar(r BarRecord) domain.Bar {
	return domain.Bar{
		Symbol: r.Symbol,
		Date:   domain.DateOf(time.UnixMilli(r.Timestamp).UTC()),
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
	}
}

func tickToRecord(t domain.Tick) TickRecord {
	return TickRecord{
		Symbol:    t.Symbol,
		Timestamp: t.Timestamp.UnixNano(),
		Price:     t.Price,
		Volume:    t.Volume,
		Flag:      t.Flag,
	}
}

func recordToTick(r TickRecord) domain.Tick {
	return domain.Tick{
		Symbol:    r.Symbol,
		Timestamp: time.Unix(0, r.Timestamp).UTC(),
		Price:     r.Price,
		Volume:    r.Volume,
		Flag:      r.Flag,
	}
}

// ---------------------------------------------------------------------------
// SeriesStore implementation
// ---------------------------------------------------------------------------

// ReadSeries reads the whole bar series of symbol.
func (s *ParquetStore) ReadSeries(_ context.Context, symbol string) ([]domain.Bar, error) {
	records, err := readParquetFile[BarRecord](s.seriesPath(symbol))
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = recordToBar(r)
	}
	return bars, nil
}

// WriteSeries atomically replaces the bar series of symbol.
func (s *ParquetStore) WriteSeries(_ context.Context, symbol string, bars []domain.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = barToRecord(b)
	}
	if err := writeParquetFile(s.seriesPath(symbol), records); err != nil {
		return fmt.Errorf("writing series for %s: %w", symbol, err)
	}
	return nil
}

// DeleteSeries removes the series file of symbol.
func (s *ParquetStore) DeleteSeries(_ context.Context, symbol string) error {
	return removeIfExists(s.seriesPath(symbol))
}

// ListSeries lists all symbols that have a series file.
func (s *ParquetStore) ListSeries(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dailyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ".parquet"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// TickStore implementation
// ---------------------------------------------------------------------------

// ReadDayTicks reads the ticks of symbol on day.
func (s *ParquetStore) ReadDayTicks(_ context.Context, symbol string, day time.Time) ([]domain.Tick, error) {
	records, err := readParquetFile[TickRecord](s.tickPath(symbol, day))
	if err != nil {
		return nil, err
	}
	ticks := make([]domain.Tick, len(records))
	for i, r := range records {
		ticks[i] = recordToTick(r)
	}
	return ticks, nil
}

// WriteDayTicks atomically replaces the ticks of symbol on day.
func (s *ParquetStore) WriteDayTicks(_ context.Context, symbol string, day time.Time, ticks []domain.Tick) error {
	records := make([]TickRecord, len(ticks))
	for i, t := range ticks {
		records[i] = tickToRecord(t)
	}
	if err := writeParquetFile(s.tickPath(symbol, day), records); err != nil {
		return fmt.Errorf("writing ticks for %s/%s: %w", symbol, domain.FormatDate(day), err)
	}
	return nil
}

// DeleteDayTicks removes one day file.
func (s *ParquetStore) DeleteDayTicks(_ context.Context, symbol string, day time.Time) error {
	return removeIfExists(s.tickPath(symbol, day))
}

// DeleteSymbolTicks removes the intraday directory of symbol.
func (s *ParquetStore) DeleteSymbolTicks(_ context.Context, symbol string) error {
	return os.RemoveAll(filepath.Join(s.intradayDir(), symbol))
}

// ListDays lists the days that have a tick file for symbol, ascending.
func (s *ParquetStore) ListDays(_ context.Context, symbol string) ([]time.Time, error) {
	entries, err := os.ReadDir(filepath.Join(s.intradayDir(), symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		d, err := domain.ParseDate(strings.TrimSuffix(name, ".parquet"))
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// ListTickSymbols lists the symbols that have an intraday directory.
func (s *ParquetStore) ListTickSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.intradayDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// PruneEmptyDirs removes empty symbol directories under the intraday root and
// returns how many were removed.
func (s *ParquetStore) PruneEmptyDirs(ctx context.Context) (int, error) {
	symbols, err := s.ListTickSymbols(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sym := range symbols {
		dir := filepath.Join(s.intradayDir(), sym)
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) dailyDir() string {
	return filepath.Join(s.DataDir, "cache", "daily")
}

func (s *ParquetStore) intradayDir() string {
	return filepath.Join(s.DataDir, "cache", "intraday")
}

// seriesPath returns the filesystem path for a bar series file.
// Layout: <dataDir>/cache/daily/<SYMBOL>.parquet
func (s *ParquetStore) seriesPath(symbol string) string {
	return filepath.Join(s.dailyDir(), symbol+".parquet")
}

// tickPath returns the filesystem path for a tick file.
// Layout: <dataDir>/cache/intraday/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) tickPath(symbol string, day time.Time) string {
	return filepath.Join(s.intradayDir(), symbol, domain.FormatDate(day)+".parquet")
}

// ---------------------------------------------------------------------------
// File helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records to a temp file next to path and renames it
// into place, so readers never observe a half-written file.
func writeParquetFile[T any](path string, records []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := parquet.Write(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoData
		}
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
