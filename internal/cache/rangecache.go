package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"quantcache/internal/domain"
	"quantcache/internal/store"
	"quantcache/internal/util"
)

// RangeOptions tunes a RangeCache.
type RangeOptions struct {
	// Expiry makes metadata older than this count as absent. Zero or
	// negative means cached ranges never expire.
	Expiry time.Duration

	// Calendar, when set, keeps bars dated after the current trading day
	// out of the cache, so the still-forming bar is fetched again.
	Calendar util.TradingCalendar

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// RangeCache caches one deduplicated, ascending bar series per symbol and
// fetches only the sub-ranges a request is missing.
type RangeCache struct {
	series store.SeriesStore
	meta   store.SeriesMetaStore
	expiry time.Duration
	cal    util.TradingCalendar
	now    func() time.Time
	locks  *keyedMutex
	log    *slog.Logger
}

// NewRangeCache creates a RangeCache over the given stores.
func NewRangeCache(series store.SeriesStore, meta store.SeriesMetaStore, opts RangeOptions, log *slog.Logger) *RangeCache {
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RangeCache{
		series: series,
		meta:   meta,
		expiry: opts.Expiry,
		cal:    opts.Calendar,
		now:    now,
		locks:  newKeyedMutex(),
		log:    log.With("component", "rangecache"),
	}
}

// gap is an inclusive date range missing from the cache.
type gap struct {
	start, end time.Time
}

// cachedSeries is what load found on disk for one symbol.
type cachedSeries struct {
	bars    []domain.Bar
	meta    store.SeriesMeta
	hasMeta bool
	// covered is true when [lo, hi] may be served without fetching.
	covered bool
	lo, hi  time.Time
	expired bool
}

// ValidateRange normalises a range request. The returned error wraps
// ErrInvalidRequest.
func ValidateRange(symbol string, start, end time.Time) (string, time.Time, time.Time, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return "", start, end, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if start.IsZero() || end.IsZero() {
		return "", start, end, fmt.Errorf("%w: missing start or end date", ErrInvalidRequest)
	}
	start, end = domain.DateOf(start), domain.DateOf(end)
	if end.Before(start) {
		return "", start, end, fmt.Errorf("%w: end %s before start %s", ErrInvalidRequest,
			domain.FormatDate(end), domain.FormatDate(start))
	}
	return sym, start, end, nil
}

// Get returns the bars of symbol within [start, end], fetching and merging
// whatever part of the range is not cached. It never fails: invalid requests
// yield an empty result, and fetch or storage failures degrade to the data
// that is available.
func (r *RangeCache) Get(ctx context.Context, symbol string, start, end time.Time, fetch BarFetcher) []domain.Bar {
	sym, start, end, err := ValidateRange(symbol, start, end)
	if err != nil {
		r.log.Warn("rejecting range request", "symbol", symbol, "error", err)
		return nil
	}

	unlock := r.locks.Lock(sym)
	defer unlock()

	cs := r.load(ctx, sym)
	if cs.covered && !cs.lo.After(start) && !cs.hi.Before(end) {
		r.log.Debug("range cache hit", "symbol", sym,
			"start", domain.FormatDate(start), "end", domain.FormatDate(end))
		return sliceBars(cs.bars, start, end)
	}

	var fetched []domain.Bar
	if fetch != nil {
		for _, g := range missingGaps(cs, start, end) {
			bars := fetch(ctx, sym, g.start, g.end)
			bars = clipBars(sym, bars, g.start, g.end)
			r.log.Debug("fetched gap", "symbol", sym,
				"start", domain.FormatDate(g.start), "end", domain.FormatDate(g.end), "bars", len(bars))
			fetched = append(fetched, bars...)
		}
	}

	merged := mergeBars(cs.bars, fetched)
	r.persist(ctx, sym, cs, r.settled(merged), len(fetched) > 0)
	return sliceBars(merged, start, end)
}

// GetDirect fetches [start, end] without reading or writing the cache.
func (r *RangeCache) GetDirect(ctx context.Context, symbol string, start, end time.Time, fetch BarFetcher) []domain.Bar {
	sym, start, end, err := ValidateRange(symbol, start, end)
	if err != nil {
		r.log.Warn("rejecting range request", "symbol", symbol, "error", err)
		return nil
	}
	if fetch == nil {
		return nil
	}
	return mergeBars(nil, clipBars(sym, fetch(ctx, sym, start, end), start, end))
}

// load reads the series and metadata of sym. Missing, invalid, expired or
// truncated state leaves covered false; any readable bars are still
// returned so they take part in the merge and serve as fallback.
func (r *RangeCache) load(ctx context.Context, sym string) cachedSeries {
	var cs cachedSeries

	m, ok, err := r.meta.GetSeriesMeta(ctx, sym)
	if err != nil {
		r.log.Warn("reading series metadata", "symbol", sym, "error", err)
	}
	cs.meta, cs.hasMeta = m, ok && err == nil

	bars, err := r.series.ReadSeries(ctx, sym)
	switch {
	case errors.Is(err, store.ErrNoData):
		if cs.hasMeta {
			r.log.Warn("metadata without series, treating as uncached", "symbol", sym)
		}
		return cs
	case err != nil:
		r.log.Warn("unreadable series, treating as uncached", "symbol", sym, "error", err)
		return cs
	}
	cs.bars = mergeBars(nil, bars)
	if len(cs.bars) == 0 || !cs.hasMeta {
		return cs
	}

	if len(cs.bars) < m.RecordCount {
		r.log.Warn("series shorter than metadata, treating as uncached", "symbol", sym,
			"bars", len(cs.bars), "record_count", m.RecordCount)
		return cs
	}
	if r.expiry > 0 && r.now().Sub(m.LastUpdate) > r.expiry {
		cs.expired = true
		return cs
	}

	// Serve from the series' true extent rather than trusting the record.
	cs.covered = true
	cs.lo = cs.bars[0].Date
	cs.hi = cs.bars[len(cs.bars)-1].Date
	return cs
}

// persist writes the series (if changed) and then the metadata. Nothing is
// written when the merge changed nothing and the metadata is already sound.
func (r *RangeCache) persist(ctx context.Context, sym string, cs cachedSeries, merged []domain.Bar, fetchedAny bool) {
	if len(merged) == 0 {
		return
	}
	changed := !sameBars(cs.bars, merged)
	metaStale := !cs.hasMeta || (!cs.covered && !cs.expired) || (cs.expired && fetchedAny)
	if !changed && !metaStale {
		return
	}

	if changed {
		if err := r.series.WriteSeries(ctx, sym, merged); err != nil {
			r.log.Error("writing series", "symbol", sym, "error", err)
			return
		}
	}

	lastUpdate := r.now()
	if cs.hasMeta && cs.meta.LastUpdate.After(lastUpdate) {
		lastUpdate = cs.meta.LastUpdate
	}
	meta := store.NewSeriesMeta(sym, merged, lastUpdate)
	if err := r.meta.PutSeriesMeta(ctx, meta); err != nil {
		r.log.Error("writing series metadata", "symbol", sym, "error", err)
		return
	}
	r.log.Info("range cache updated", "symbol", sym,
		"min", meta.Range.Min, "max", meta.Range.Max, "records", meta.RecordCount)
}

// settled drops the bars dated after the calendar's current trading day.
// Those bars are still forming, so they are served but never persisted.
func (r *RangeCache) settled(bars []domain.Bar) []domain.Bar {
	if r.cal == nil {
		return bars
	}
	limit := r.cal.TradingDay(r.now())
	n := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(limit) })
	return bars[:n]
}

// Clear deletes the cached series and metadata of symbol.
func (r *RangeCache) Clear(ctx context.Context, symbol string) error {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	unlock := r.locks.Lock(sym)
	defer unlock()

	if err := r.series.DeleteSeries(ctx, sym); err != nil {
		return fmt.Errorf("deleting series %s: %w", sym, err)
	}
	if err := r.meta.DeleteSeriesMeta(ctx, sym); err != nil {
		return fmt.Errorf("deleting series metadata %s: %w", sym, err)
	}
	r.log.Info("range cache cleared", "symbol", sym)
	return nil
}

// ClearAll deletes every cached series and its metadata.
func (r *RangeCache) ClearAll(ctx context.Context) error {
	symbols, err := r.Symbols(ctx)
	if err != nil {
		return err
	}
	metas, err := r.meta.ListSeriesMeta(ctx)
	if err != nil {
		return fmt.Errorf("listing series metadata: %w", err)
	}
	for _, m := range metas {
		symbols = append(symbols, m.Symbol)
	}
	for _, sym := range dedupStrings(symbols) {
		if err := r.Clear(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

// Info returns the metadata record of symbol.
func (r *RangeCache) Info(ctx context.Context, symbol string) (store.SeriesMeta, bool, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return store.SeriesMeta{}, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return r.meta.GetSeriesMeta(ctx, sym)
}

// List returns every valid metadata record.
func (r *RangeCache) List(ctx context.Context) ([]store.SeriesMeta, error) {
	return r.meta.ListSeriesMeta(ctx)
}

// Symbols returns the symbols with a persisted series.
func (r *RangeCache) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := r.series.ListSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Series helpers
// ---------------------------------------------------------------------------

// missingGaps returns the sub-ranges of [start, end] the cache cannot serve.
// The left gap runs up to lo-1 and the right gap from hi+1 so the merged
// series stays contiguous with what is cached.
func missingGaps(cs cachedSeries, start, end time.Time) []gap {
	if !cs.covered {
		return []gap{{start, end}}
	}
	var gaps []gap
	if start.Before(cs.lo) {
		gaps = append(gaps, gap{start, cs.lo.AddDate(0, 0, -1)})
	}
	if end.After(cs.hi) {
		gaps = append(gaps, gap{cs.hi.AddDate(0, 0, 1), end})
	}
	out := gaps[:0]
	for _, g := range gaps {
		if !g.start.After(g.end) {
			out = append(out, g)
		}
	}
	return out
}

// clipBars normalises fetched bars to sym and drops any outside [start, end].
func clipBars(sym string, bars []domain.Bar, start, end time.Time) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		b.Date = domain.DateOf(b.Date)
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		b.Symbol = sym
		out = append(out, b)
	}
	return out
}

// mergeBars concatenates cached and fresh bars, keeps the last bar seen for
// each date and sorts ascending.
func mergeBars(cached, fresh []domain.Bar) []domain.Bar {
	byDate := make(map[time.Time]domain.Bar, len(cached)+len(fresh))
	for _, b := range cached {
		byDate[domain.DateOf(b.Date)] = b
	}
	for _, b := range fresh {
		byDate[domain.DateOf(b.Date)] = b
	}

	out := make([]domain.Bar, 0, len(byDate))
	for d, b := range byDate {
		b.Date = d
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// sliceBars returns the bars of a sorted series within [start, end].
func sliceBars(bars []domain.Bar, start, end time.Time) []domain.Bar {
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Date.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(end) })
	if lo >= hi {
		return []domain.Bar{}
	}
	out := make([]domain.Bar, hi-lo)
	copy(out, bars[lo:hi])
	return out
}

func sameBars(a, b []domain.Bar) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if !x.Date.Equal(y.Date) || x.Symbol != y.Symbol || x.Open != y.Open || x.High != y.High ||
			x.Low != y.Low || x.Close != y.Close || x.Volume != y.Volume {
			return false
		}
	}
	return true
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
