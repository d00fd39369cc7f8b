// Package store defines the persistence layer of the cache: Parquet files for
// bar series and per-day tick series, and metadata backends (JSON document or
// SQLite) holding versioned, validated range and day records.
package store

import (
	"context"
	"errors"
	"time"

	"quantcache/internal/domain"
)

// ErrNoData is returned when a series or tick file does not exist.
var ErrNoData = errors.New("no data")

// SeriesStore persists one deduplicated, sorted bar series per symbol.
type SeriesStore interface {
	// ReadSeries returns the full series for symbol, or ErrNoData.
	ReadSeries(ctx context.Context, symbol string) ([]domain.Bar, error)

	// WriteSeries replaces the series for symbol.
	WriteSeries(ctx context.Context, symbol string, bars []domain.Bar) error

	// DeleteSeries removes the series for symbol. Missing files are not an error.
	DeleteSeries(ctx context.Context, symbol string) error

	// ListSeries returns all symbols with a persisted series, sorted.
	ListSeries(ctx context.Context) ([]string, error)
}

// TickStore persists tick series keyed by (symbol, trading day).
type TickStore interface {
	// ReadDayTicks returns the ticks for symbol on day, or ErrNoData.
	ReadDayTicks(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error)

	// WriteDayTicks replaces the ticks for symbol on day.
	WriteDayTicks(ctx context.Context, symbol string, day time.Time, ticks []domain.Tick) error

	// DeleteDayTicks removes one day file. Missing files are not an error.
	DeleteDayTicks(ctx context.Context, symbol string, day time.Time) error

	// DeleteSymbolTicks removes every day file of symbol and its directory.
	DeleteSymbolTicks(ctx context.Context, symbol string) error

	// ListDays returns the days with a persisted tick file for symbol,
	// ascending.
	ListDays(ctx context.Context, symbol string) ([]time.Time, error)

	// ListTickSymbols returns all symbols with an intraday directory, sorted.
	ListTickSymbols(ctx context.Context) ([]string, error)

	// PruneEmptyDirs removes symbol directories that no longer hold any file.
	PruneEmptyDirs(ctx context.Context) (int, error)
}

// SeriesMetaStore owns the per-symbol range metadata.
type SeriesMetaStore interface {
	// GetSeriesMeta returns the record for symbol. ok is false when the
	// record is absent or fails validation.
	GetSeriesMeta(ctx context.Context, symbol string) (meta SeriesMeta, ok bool, err error)

	// PutSeriesMeta validates and stores a record.
	PutSeriesMeta(ctx context.Context, meta SeriesMeta) error

	// DeleteSeriesMeta removes the record for symbol.
	DeleteSeriesMeta(ctx context.Context, symbol string) error

	// ListSeriesMeta returns all valid records, sorted by symbol.
	ListSeriesMeta(ctx context.Context) ([]SeriesMeta, error)
}

// DayMetaStore owns the per-(symbol, day) intraday entries.
type DayMetaStore interface {
	// GetDayMeta returns the entry for (symbol, day). ok is false when the
	// entry is absent or fails validation.
	GetDayMeta(ctx context.Context, symbol string, day time.Time) (meta DayMeta, ok bool, err error)

	// PutDayMeta validates and stores an entry.
	PutDayMeta(ctx context.Context, meta DayMeta) error

	// DeleteDayMeta removes the entry for (symbol, day).
	DeleteDayMeta(ctx context.Context, symbol string, day time.Time) error

	// ListDayMeta returns the valid entries of symbol ("" for all symbols),
	// sorted by symbol then day.
	ListDayMeta(ctx context.Context, symbol string) ([]DayMeta, error)
}

// MetaStore is a metadata backend serving both caches.
type MetaStore interface {
	SeriesMetaStore
	DayMetaStore
	Close() error
}
