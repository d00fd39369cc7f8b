package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantcache/internal/domain"
	"quantcache/internal/util"
)

func newTestManager(t *testing.T, now time.Time) (*Manager, *fixture, *barSource, *tickSource) {
	t.Helper()
	f := newFixture(t, now, 0, 0)
	bars := &barSource{}
	ticks := &tickSource{day: f.days.ResolveTradingDay(now), price: 10}
	m := NewManager(f.ranges, f.days, bars.Fetch, ticks.Fetch, util.Discard())
	return m, f, bars, ticks
}

func TestManagerGetRange(t *testing.T) {
	m, f, src, _ := newTestManager(t, at("2024-01-20", 12, 0))
	ctx := context.Background()

	bars := m.GetRange(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), true)
	assertDates(t, bars, "2024-01-01", "2024-01-05", 5)

	// use_cache=false always fetches and never writes.
	direct := m.GetRange(ctx, "BBB", date("2024-01-01"), date("2024-01-05"), false)
	assertDates(t, direct, "2024-01-01", "2024-01-05", 5)
	if n := len(src.Calls()); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
	symbols, _ := f.ranges.Symbols(ctx)
	if len(symbols) != 1 || symbols[0] != "AAA" {
		t.Errorf("cached symbols = %v, want [AAA]", symbols)
	}
}

func TestManagerGetLiveDay(t *testing.T) {
	m, _, _, ticks := newTestManager(t, at("2024-01-10", 22, 0))
	ctx := context.Background()

	day, got, err := m.GetLiveDay(ctx, "AAA")
	if err != nil {
		t.Fatalf("GetLiveDay: %v", err)
	}
	if domain.FormatDate(day) != "2024-01-10" || len(got) != 3 {
		t.Errorf("GetLiveDay = %s with %d ticks, want 2024-01-10 with 3", domain.FormatDate(day), len(got))
	}
	if ticks.Calls() != 1 {
		t.Errorf("fetch called %d times, want 1", ticks.Calls())
	}

	hist, err := m.GetHistoricalDay(ctx, "AAA", day)
	if err != nil || len(hist) != 3 {
		t.Errorf("GetHistoricalDay = %d ticks, err %v; want 3", len(hist), err)
	}
	days, err := m.ListDays(ctx, "AAA")
	if err != nil || len(days) != 1 {
		t.Errorf("ListDays = %v, err %v; want one day", days, err)
	}
	if _, err := m.GetDay(ctx, "AAA", date("2024-01-03")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDay(uncached past) err = %v, want ErrNotFound", err)
	}
}

func TestManagerCacheInfoAndClear(t *testing.T) {
	m, _, _, _ := newTestManager(t, at("2024-01-10", 22, 0))
	ctx := context.Background()

	m.GetRange(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), true)
	if _, err := m.GetDay(ctx, "BBB", date("2024-01-10")); err != nil {
		t.Fatalf("GetDay: %v", err)
	}

	info, err := m.CacheInfo(ctx, "")
	if err != nil {
		t.Fatalf("CacheInfo: %v", err)
	}
	if info.TotalSymbols != 2 || len(info.Series) != 1 || len(info.Days) != 1 {
		t.Errorf("CacheInfo = %+v, want 2 symbols, 1 series, 1 day", info)
	}

	one, err := m.CacheInfo(ctx, "aaa")
	if err != nil {
		t.Fatalf("CacheInfo(aaa): %v", err)
	}
	if one.TotalSymbols != 1 || len(one.Series) != 1 || len(one.Days) != 0 {
		t.Errorf("CacheInfo(aaa) = %+v, want only AAA's series", one)
	}

	if err := m.Clear(ctx, "AAA"); err != nil {
		t.Fatalf("Clear(AAA): %v", err)
	}
	if info, _ = m.CacheInfo(ctx, ""); info.TotalSymbols != 1 {
		t.Errorf("TotalSymbols after Clear(AAA) = %d, want 1", info.TotalSymbols)
	}
	if err := m.Clear(ctx, ""); err != nil {
		t.Fatalf("Clear(all): %v", err)
	}
	if info, _ = m.CacheInfo(ctx, ""); info.TotalSymbols != 0 {
		t.Errorf("TotalSymbols after Clear() = %d, want 0", info.TotalSymbols)
	}

	if _, err := m.CacheInfo(ctx, "../x"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CacheInfo(../x) err = %v, want ErrInvalidRequest", err)
	}
}

func TestManagerWarm(t *testing.T) {
	m, f, src, _ := newTestManager(t, at("2024-01-20", 12, 0))
	m.SetWarmWorkers(2)
	ctx := context.Background()

	symbols := []string{"AAA", "BBB", "CCC", "DDD"}
	total, err := m.Warm(ctx, symbols, date("2024-01-01"), date("2024-01-10"))
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if total != 40 {
		t.Errorf("Warm cached %d bars, want 40", total)
	}
	if n := len(src.Calls()); n != 4 {
		t.Errorf("fetch called %d times, want 4", n)
	}
	cached, _ := f.ranges.Symbols(ctx)
	if len(cached) != 4 {
		t.Errorf("cached symbols = %v, want 4", cached)
	}

	// A second warm-up is served from cache.
	if _, err := m.Warm(ctx, symbols, date("2024-01-01"), date("2024-01-10")); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n := len(src.Calls()); n != 4 {
		t.Errorf("fetch called %d times after second warm-up, want 4", n)
	}
}

func TestManagerWarmCancelled(t *testing.T) {
	m, _, _, _ := newTestManager(t, at("2024-01-20", 12, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Warm(ctx, []string{"AAA"}, date("2024-01-01"), date("2024-01-10")); !errors.Is(err, context.Canceled) {
		t.Errorf("Warm err = %v, want context.Canceled", err)
	}
}
