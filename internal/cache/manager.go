package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quantcache/internal/domain"
	"quantcache/internal/store"
)

// Info is the combined metadata view of both caches.
type Info struct {
	Series       []store.SeriesMeta `json:"series"`
	Days         []store.DayMeta    `json:"days"`
	TotalSymbols int                `json:"total_cached_symbols"`
}

// Manager is the facade consumers use. It holds the fetchers and delegates
// range queries to a RangeCache and day queries to a DayCache.
type Manager struct {
	ranges      *RangeCache
	days        *DayCache
	fetchBars   BarFetcher
	fetchTicks  TickFetcher
	warmWorkers int
	log         *slog.Logger
}

// NewManager composes the two caches with their fetchers. Either fetcher may
// be nil, in which case the manager serves from cache only.
func NewManager(ranges *RangeCache, days *DayCache, bars BarFetcher, ticks TickFetcher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		ranges:      ranges,
		days:        days,
		fetchBars:   bars,
		fetchTicks:  ticks,
		warmWorkers: 4,
		log:         log.With("component", "manager"),
	}
}

// SetWarmWorkers bounds the concurrency of Warm.
func (m *Manager) SetWarmWorkers(n int) {
	if n > 0 {
		m.warmWorkers = n
	}
}

// GetRange returns the daily bars of symbol in [start, end]. With useCache
// false the provider is queried directly and the cache is left untouched.
func (m *Manager) GetRange(ctx context.Context, symbol string, start, end time.Time, useCache bool) []domain.Bar {
	if !useCache {
		return m.ranges.GetDirect(ctx, symbol, start, end, m.fetchBars)
	}
	return m.ranges.Get(ctx, symbol, start, end, m.fetchBars)
}

// GetDay returns the ticks of symbol on day, refreshing the live day when
// needed.
func (m *Manager) GetDay(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error) {
	return m.days.GetOrFetch(ctx, symbol, day, m.fetchTicks)
}

// GetLiveDay resolves the current trading day and returns its ticks.
func (m *Manager) GetLiveDay(ctx context.Context, symbol string) (time.Time, []domain.Tick, error) {
	day := m.days.ResolveTradingDay(m.days.now())
	ticks, err := m.GetDay(ctx, symbol, day)
	return day, ticks, err
}

// GetHistoricalDay returns cached ticks without fetching.
func (m *Manager) GetHistoricalDay(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error) {
	return m.days.GetHistorical(ctx, symbol, day)
}

// ListDays returns the cached days of symbol, newest first.
func (m *Manager) ListDays(ctx context.Context, symbol string) ([]time.Time, error) {
	return m.days.ListAvailableDays(ctx, symbol)
}

// CacheInfo returns the metadata of symbol, or of everything when symbol
// is empty.
func (m *Manager) CacheInfo(ctx context.Context, symbol string) (Info, error) {
	var info Info
	if symbol != "" {
		meta, ok, err := m.ranges.Info(ctx, symbol)
		if err != nil {
			return info, err
		}
		if ok {
			info.Series = []store.SeriesMeta{meta}
		}
	} else {
		all, err := m.ranges.List(ctx)
		if err != nil {
			return info, fmt.Errorf("listing series metadata: %w", err)
		}
		info.Series = all
	}

	days, err := m.days.Info(ctx, symbol)
	if err != nil {
		return info, err
	}
	info.Days = days

	symbols := make([]string, 0, len(info.Series)+len(info.Days))
	for _, s := range info.Series {
		symbols = append(symbols, s.Symbol)
	}
	for _, d := range info.Days {
		symbols = append(symbols, d.Symbol)
	}
	info.TotalSymbols = len(dedupStrings(symbols))
	return info, nil
}

// Clear drops everything cached for symbol, or the whole cache when symbol
// is empty.
func (m *Manager) Clear(ctx context.Context, symbol string) error {
	if symbol == "" {
		if err := m.ranges.ClearAll(ctx); err != nil {
			return err
		}
		return m.days.ClearAll(ctx)
	}
	if err := m.ranges.Clear(ctx, symbol); err != nil {
		return err
	}
	return m.days.Clear(ctx, symbol)
}

// Cleanup applies the intraday retention window.
func (m *Manager) Cleanup(ctx context.Context, daysToKeep int) (int, error) {
	return m.days.Cleanup(ctx, daysToKeep)
}

// Warm fills the range cache for several symbols concurrently and returns
// the number of bars now cached for the range across all symbols.
func (m *Manager) Warm(ctx context.Context, symbols []string, start, end time.Time) (int, error) {
	counts := make([]int, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.warmWorkers)
	for i, sym := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			counts[i] = len(m.ranges.Get(gctx, sym, start, end, m.fetchBars))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("warming cache: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	m.log.Info("cache warmed", "symbols", len(symbols), "bars", total,
		"start", domain.FormatDate(start), "end", domain.FormatDate(end))
	return total, nil
}
