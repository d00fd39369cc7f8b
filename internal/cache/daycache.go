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

// DayOptions tunes a DayCache.
type DayOptions struct {
	// ExpireDays invalidates entries for past days whose last update is more
	// than this many days old. Zero or negative means entries never expire.
	ExpireDays int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DayCache caches one tick series per (symbol, trading day). A day's entry
// moves from PROVISIONAL to FINAL once the calendar's cutover has passed;
// FINAL ticks are never rewritten.
type DayCache struct {
	ticks      store.TickStore
	meta       store.DayMetaStore
	cal        util.TradingCalendar
	expireDays int
	now        func() time.Time
	locks      *keyedMutex
	log        *slog.Logger
}

// NewDayCache creates a DayCache over the given stores and calendar.
func NewDayCache(ticks store.TickStore, meta store.DayMetaStore, cal util.TradingCalendar, opts DayOptions, log *slog.Logger) *DayCache {
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DayCache{
		ticks:      ticks,
		meta:       meta,
		cal:        cal,
		expireDays: opts.ExpireDays,
		now:        now,
		locks:      newKeyedMutex(),
		log:        log.With("component", "daycache"),
	}
}

// ResolveTradingDay returns the day the provider considers live at now.
func (c *DayCache) ResolveTradingDay(now time.Time) time.Time {
	return c.cal.TradingDay(now)
}

// todayCutover is the cutover instant of now's calendar date.
func (c *DayCache) todayCutover(now time.Time) time.Time {
	return c.cal.Cutover(domain.DateOf(now.In(c.cal.Location())))
}

// stateAt is the state of an entry written at t.
func (c *DayCache) stateAt(t time.Time) domain.DayState {
	if t.Before(c.todayCutover(t)) {
		return domain.DayStateProvisional
	}
	return domain.DayStateFinal
}

// effectiveState is the state of m as seen at now. Entries for days strictly
// before the live day are final, as are entries refreshed after today's
// cutover.
func (c *DayCache) effectiveState(m store.DayMeta, day, now time.Time) domain.DayState {
	if m.State == domain.DayStateFinal {
		return domain.DayStateFinal
	}
	live := c.cal.TradingDay(now)
	if day.Before(live) {
		return domain.DayStateFinal
	}
	if day.Equal(live) && !m.LastUpdate.Before(c.todayCutover(now)) {
		return domain.DayStateFinal
	}
	return domain.DayStateProvisional
}

// IsValid reports whether the cached entry for (symbol, day) may be served
// at now without a refresh.
func (c *DayCache) IsValid(ctx context.Context, symbol string, day, now time.Time) bool {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return false
	}
	day = domain.DateOf(day)
	m, ok, err := c.meta.GetDayMeta(ctx, sym, day)
	if err != nil || !ok {
		return false
	}
	return c.valid(m, day, now)
}

func (c *DayCache) valid(m store.DayMeta, day, now time.Time) bool {
	live := c.cal.TradingDay(now)
	if day.After(live) {
		return false
	}
	if c.expireDays > 0 && day.Before(live) &&
		now.Sub(m.LastUpdate) > time.Duration(c.expireDays)*24*time.Hour {
		return false
	}
	return c.effectiveState(m, day, now) == domain.DayStateFinal
}

// cachedDay is what load found on disk for one (symbol, day).
type cachedDay struct {
	ticks    []domain.Tick
	readable bool // tick file present and decodable
	meta     store.DayMeta
	hasMeta  bool
}

// intact reports whether ticks and metadata agree.
func (d cachedDay) intact() bool {
	return d.readable && d.hasMeta && len(d.ticks) == d.meta.RecordCount
}

func (c *DayCache) load(ctx context.Context, sym string, day time.Time) cachedDay {
	var d cachedDay
	m, ok, err := c.meta.GetDayMeta(ctx, sym, day)
	if err != nil {
		c.log.Warn("reading day metadata", "symbol", sym, "day", domain.FormatDate(day), "error", err)
	}
	d.meta, d.hasMeta = m, ok && err == nil

	ticks, err := c.ticks.ReadDayTicks(ctx, sym, day)
	switch {
	case errors.Is(err, store.ErrNoData):
		if d.hasMeta {
			c.log.Warn("metadata without tick file, treating as uncached", "symbol", sym, "day", domain.FormatDate(day))
		}
	case err != nil:
		c.log.Warn("unreadable tick file, treating as uncached", "symbol", sym, "day", domain.FormatDate(day), "error", err)
	default:
		d.ticks, d.readable = ticks, true
	}
	return d
}

// GetOrFetch returns the ticks of symbol on day. A valid entry is served
// from disk. Otherwise fetch is called only when day is the provider's live
// day; its ticks for that day are persisted unless a FINAL entry already
// exists. Any other case falls back to the cache, and ErrNotFound is
// returned when nothing is known.
func (c *DayCache) GetOrFetch(ctx context.Context, symbol string, day time.Time, fetch TickFetcher) ([]domain.Tick, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		c.log.Warn("rejecting day request", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	day = domain.DateOf(day)

	unlock := c.locks.Lock(sym)
	defer unlock()

	now := c.now()
	live := c.cal.TradingDay(now)
	cd := c.load(ctx, sym, day)

	if cd.intact() && c.valid(cd.meta, day, now) {
		if cd.meta.State != domain.DayStateFinal {
			c.promote(ctx, cd.meta)
		}
		return cd.ticks, nil
	}

	finalOnDisk := cd.intact() && c.effectiveState(cd.meta, day, now) == domain.DayStateFinal
	if day.Equal(live) && fetch != nil && !finalOnDisk {
		ticks := ticksForDay(sym, fetch(ctx, sym), day, c.cal.Location())
		if len(ticks) > 0 {
			c.persist(ctx, sym, day, ticks, now)
			return ticks, nil
		}
		c.log.Info("live fetch returned nothing for day, using cache", "symbol", sym, "day", domain.FormatDate(day))
	}

	if cd.readable && len(cd.ticks) > 0 {
		return cd.ticks, nil
	}
	return nil, fmt.Errorf("%s %s: %w", sym, domain.FormatDate(day), ErrNotFound)
}

// promote persists the FINAL state of an entry; the ticks are untouched.
func (c *DayCache) promote(ctx context.Context, m store.DayMeta) {
	m.State = domain.DayStateFinal
	if err := c.meta.PutDayMeta(ctx, m); err != nil {
		c.log.Error("promoting day entry", "key", m.Key(), "error", err)
		return
	}
	c.log.Info("day entry final", "key", m.Key())
}

func (c *DayCache) persist(ctx context.Context, sym string, day time.Time, ticks []domain.Tick, now time.Time) {
	if err := c.ticks.WriteDayTicks(ctx, sym, day, ticks); err != nil {
		c.log.Error("writing day ticks", "symbol", sym, "day", domain.FormatDate(day), "error", err)
		return
	}
	m := store.DayMeta{
		Version:     store.MetaVersion,
		Symbol:      sym,
		TradingDay:  domain.FormatDate(day),
		LastUpdate:  now,
		RecordCount: len(ticks),
		State:       c.stateAt(now),
		FirstTick:   ticks[0].Timestamp,
		LastTick:    ticks[len(ticks)-1].Timestamp,
	}
	if err := c.meta.PutDayMeta(ctx, m); err != nil {
		c.log.Error("writing day metadata", "key", m.Key(), "error", err)
		return
	}
	c.log.Info("day cache updated", "key", m.Key(), "ticks", len(ticks), "state", m.State)
}

// GetHistorical returns cached ticks without ever fetching.
func (c *DayCache) GetHistorical(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	day = domain.DateOf(day)

	unlock := c.locks.Lock(sym)
	defer unlock()

	cd := c.load(ctx, sym, day)
	if !cd.readable || len(cd.ticks) == 0 {
		return nil, fmt.Errorf("%s %s: %w", sym, domain.FormatDate(day), ErrNotFound)
	}
	return cd.ticks, nil
}

// ListAvailableDays returns the days with cached ticks for symbol, newest
// first.
func (c *DayCache) ListAvailableDays(ctx context.Context, symbol string) ([]time.Time, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	days, err := c.ticks.ListDays(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("listing days of %s: %w", sym, err)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })
	return days, nil
}

// Cleanup removes every entry whose trading day is more than daysToKeep days
// before today, then prunes empty directories. It returns the number of
// entries removed.
func (c *DayCache) Cleanup(ctx context.Context, daysToKeep int) (int, error) {
	if daysToKeep < 0 {
		return 0, fmt.Errorf("%w: negative retention %d", ErrInvalidRequest, daysToKeep)
	}
	now := c.now()
	cutoff := domain.DateOf(now.In(c.cal.Location())).AddDate(0, 0, -daysToKeep)

	type key struct {
		sym string
		day time.Time
	}
	stale := make(map[key]struct{})

	metas, err := c.meta.ListDayMeta(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing day metadata: %w", err)
	}
	for _, m := range metas {
		d, err := m.Day()
		if err == nil && d.Before(cutoff) {
			stale[key{m.Symbol, d}] = struct{}{}
		}
	}
	symbols, err := c.ticks.ListTickSymbols(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tick symbols: %w", err)
	}
	for _, sym := range symbols {
		days, err := c.ticks.ListDays(ctx, sym)
		if err != nil {
			c.log.Warn("listing days", "symbol", sym, "error", err)
			continue
		}
		for _, d := range days {
			if d.Before(cutoff) {
				stale[key{sym, d}] = struct{}{}
			}
		}
	}

	removed := 0
	for k := range stale {
		if err := c.ClearDay(ctx, k.sym, k.day); err != nil {
			c.log.Warn("removing stale day", "symbol", k.sym, "day", domain.FormatDate(k.day), "error", err)
			continue
		}
		removed++
	}
	dirs, err := c.ticks.PruneEmptyDirs(ctx)
	if err != nil {
		return removed, fmt.Errorf("pruning directories: %w", err)
	}
	c.log.Info("intraday cleanup done", "cutoff", domain.FormatDate(cutoff), "removed", removed, "dirs", dirs)
	return removed, nil
}

// ClearDay removes the ticks and entry of one (symbol, day).
func (c *DayCache) ClearDay(ctx context.Context, symbol string, day time.Time) error {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	day = domain.DateOf(day)

	unlock := c.locks.Lock(sym)
	defer unlock()

	if err := c.ticks.DeleteDayTicks(ctx, sym, day); err != nil {
		return fmt.Errorf("deleting ticks %s: %w", store.DayKey(sym, day), err)
	}
	if err := c.meta.DeleteDayMeta(ctx, sym, day); err != nil {
		return fmt.Errorf("deleting day metadata %s: %w", store.DayKey(sym, day), err)
	}
	return nil
}

// Clear removes every cached day of symbol.
func (c *DayCache) Clear(ctx context.Context, symbol string) error {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	unlock := c.locks.Lock(sym)
	defer unlock()

	metas, err := c.meta.ListDayMeta(ctx, sym)
	if err != nil {
		return fmt.Errorf("listing day metadata of %s: %w", sym, err)
	}
	for _, m := range metas {
		d, err := m.Day()
		if err != nil {
			continue
		}
		if err := c.meta.DeleteDayMeta(ctx, sym, d); err != nil {
			return fmt.Errorf("deleting day metadata %s: %w", m.Key(), err)
		}
	}
	if err := c.ticks.DeleteSymbolTicks(ctx, sym); err != nil {
		return fmt.Errorf("deleting ticks of %s: %w", sym, err)
	}
	c.log.Info("day cache cleared", "symbol", sym, "entries", len(metas))
	return nil
}

// ClearAll removes every cached day of every symbol.
func (c *DayCache) ClearAll(ctx context.Context) error {
	symbols, err := c.Symbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if err := c.Clear(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

// Symbols returns every symbol with cached ticks or day entries.
func (c *DayCache) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := c.ticks.ListTickSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tick symbols: %w", err)
	}
	metas, err := c.meta.ListDayMeta(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing day metadata: %w", err)
	}
	for _, m := range metas {
		symbols = append(symbols, m.Symbol)
	}
	return dedupStrings(symbols), nil
}

// Info returns the entries of symbol ("" for all) with State reporting the
// effective state at the current time.
func (c *DayCache) Info(ctx context.Context, symbol string) ([]store.DayMeta, error) {
	sym := ""
	if symbol != "" {
		var err error
		if sym, err = domain.NormalizeSymbol(symbol); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	metas, err := c.meta.ListDayMeta(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("listing day metadata: %w", err)
	}
	now := c.now()
	for i, m := range metas {
		if d, err := m.Day(); err == nil {
			metas[i].State = c.effectiveState(m, d, now)
		}
	}
	return metas, nil
}

// ticksForDay keeps the ticks whose timestamp falls on day in loc, tags them
// with sym and sorts them by time.
func ticksForDay(sym string, ticks []domain.Tick, day time.Time, loc *time.Location) []domain.Tick {
	out := make([]domain.Tick, 0, len(ticks))
	for _, t := range ticks {
		if !domain.DateOf(t.Timestamp.In(loc)).Equal(day) {
			continue
		}
		t.Symbol = sym
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
