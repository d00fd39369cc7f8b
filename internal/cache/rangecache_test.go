package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quantcache/internal/domain"
	"quantcache/internal/store"
	"quantcache/internal/util"
)

var t0 = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

func assertDates(t *testing.T, bars []domain.Bar, first, last string, n int) {
	t.Helper()
	if len(bars) != n {
		t.Fatalf("got %d bars, want %d", len(bars), n)
	}
	if got := domain.FormatDate(bars[0].Date); got != first {
		t.Errorf("first bar = %s, want %s", got, first)
	}
	if got := domain.FormatDate(bars[len(bars)-1].Date); got != last {
		t.Errorf("last bar = %s, want %s", got, last)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Date.Before(bars[i].Date) {
			t.Fatalf("bars not strictly ascending at %d: %v, %v", i, bars[i-1].Date, bars[i].Date)
		}
	}
}

func assertMeta(t *testing.T, f *fixture, sym, lo, hi string, count int) store.SeriesMeta {
	t.Helper()
	m, ok, err := f.meta.GetSeriesMeta(context.Background(), sym)
	if err != nil || !ok {
		t.Fatalf("GetSeriesMeta(%s) = ok %v, err %v", sym, ok, err)
	}
	if m.Range.Min != lo || m.Range.Max != hi || m.RecordCount != count {
		t.Errorf("metadata = [%s,%s] count %d, want [%s,%s] count %d",
			m.Range.Min, m.Range.Max, m.RecordCount, lo, hi, count)
	}
	return m
}

func TestRangeCacheScenarios(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	// A: empty cache, one fetch of the whole range.
	bars := f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	assertDates(t, bars, "2024-01-01", "2024-01-10", 10)
	assertMeta(t, f, "AAA", "2024-01-01", "2024-01-10", 10)
	if n := len(src.Calls()); n != 1 {
		t.Fatalf("scenario A: fetch called %d times, want 1", n)
	}

	// B: fully covered, no fetch.
	bars = f.ranges.Get(ctx, "AAA", date("2024-01-05"), date("2024-01-08"), src.Fetch)
	assertDates(t, bars, "2024-01-05", "2024-01-08", 4)
	if n := len(src.Calls()); n != 1 {
		t.Fatalf("scenario B: fetch called %d times, want 1", n)
	}

	// C: both sides missing, two independent fetches.
	bars = f.ranges.Get(ctx, "AAA", date("2023-12-20"), date("2024-01-15"), src.Fetch)
	assertDates(t, bars, "2023-12-20", "2024-01-15", 27)
	calls := src.Calls()
	if len(calls) != 3 {
		t.Fatalf("scenario C: fetch called %d times in total, want 3", len(calls))
	}
	wantGaps := []gap{
		{date("2023-12-20"), date("2023-12-31")},
		{date("2024-01-11"), date("2024-01-15")},
	}
	for i, want := range wantGaps {
		got := calls[i+1]
		if !got.start.Equal(want.start) || !got.end.Equal(want.end) {
			t.Errorf("gap %d = [%s,%s], want [%s,%s]", i,
				domain.FormatDate(got.start), domain.FormatDate(got.end),
				domain.FormatDate(want.start), domain.FormatDate(want.end))
		}
	}
	assertMeta(t, f, "AAA", "2023-12-20", "2024-01-15", 27)
}

func TestRangeCacheIdempotent(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	src.empty = true

	metaPath := filepath.Join(f.dir, "cache", "daily", "metadata.json")
	before, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}

	first := f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-15"), src.Fetch)
	f.clock.Set(t0.Add(time.Hour))
	second := f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-15"), src.Fetch)

	if !sameBars(first, second) {
		t.Error("repeated Get returned different bars")
	}
	assertDates(t, second, "2024-01-01", "2024-01-10", 10)

	after, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("metadata changed on disk:\n before %s\n after  %s", before, after)
	}
}

func TestRangeCacheLastWriteWins(t *testing.T) {
	f := newFixture(t, t0, time.Hour, 0)
	src := &barSource{value: 0}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), src.Fetch)
	prev := assertMeta(t, f, "AAA", "2024-01-01", "2024-01-05", 5)

	// Expired metadata makes the cached range count as absent.
	f.clock.Set(t0.Add(2 * time.Hour))
	src.value = 100
	bars := f.ranges.Get(ctx, "AAA", date("2024-01-03"), date("2024-01-03"), src.Fetch)
	if len(bars) != 1 || bars[0].Close != 103 {
		t.Fatalf("Get(01-03) = %+v, want one bar with close 103", bars)
	}

	all, err := f.files.ReadSeries(ctx, "AAA")
	if err != nil {
		t.Fatalf("ReadSeries: %v", err)
	}
	seen := 0
	for _, b := range all {
		if domain.FormatDate(b.Date) == "2024-01-03" {
			seen++
			if b.Close != 103 {
				t.Errorf("stored 01-03 close = %v, want 103", b.Close)
			}
		}
	}
	if seen != 1 {
		t.Errorf("stored %d records for 01-03, want 1", seen)
	}
	// Stale bars outside the refetched range survive.
	if len(all) != 5 || all[0].Close != 1 {
		t.Errorf("stored series = %+v, want 5 bars with the old 01-01", all)
	}

	m := assertMeta(t, f, "AAA", "2024-01-01", "2024-01-05", 5)
	if !m.LastUpdate.After(prev.LastUpdate) {
		t.Errorf("last_update = %v, want after %v", m.LastUpdate, prev.LastUpdate)
	}
}

func TestRangeCacheMonotonicFreshness(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), src.Fetch)
	prev := assertMeta(t, f, "AAA", "2024-01-01", "2024-01-05", 5)

	// A clock that steps backwards must not move last_update back.
	f.clock.Set(t0.Add(-3 * time.Hour))
	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-08"), src.Fetch)
	m := assertMeta(t, f, "AAA", "2024-01-01", "2024-01-08", 8)
	if m.LastUpdate.Before(prev.LastUpdate) {
		t.Errorf("last_update went back from %v to %v", prev.LastUpdate, m.LastUpdate)
	}
}

func TestRangeCacheClipsAdapterData(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{spill: true}
	ctx := context.Background()

	bars := f.ranges.Get(ctx, "AAA", date("2024-01-05"), date("2024-01-06"), src.Fetch)
	assertDates(t, bars, "2024-01-05", "2024-01-06", 2)
	assertMeta(t, f, "AAA", "2024-01-05", "2024-01-06", 2)
}

func TestRangeCacheExpiredFetchFailureKeepsCache(t *testing.T) {
	f := newFixture(t, t0, time.Hour, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), src.Fetch)
	f.clock.Set(t0.Add(48 * time.Hour))
	src.empty = true

	bars := f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-05"), src.Fetch)
	assertDates(t, bars, "2024-01-01", "2024-01-05", 5)
	if n := len(src.Calls()); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
}

func TestRangeCacheInvalidRequest(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	tests := []struct {
		name       string
		symbol     string
		start, end time.Time
	}{
		{"end before start", "AAA", date("2024-01-10"), date("2024-01-01")},
		{"malformed symbol", "../etc", date("2024-01-01"), date("2024-01-10")},
		{"empty symbol", "", date("2024-01-01"), date("2024-01-10")},
		{"zero date", "AAA", time.Time{}, date("2024-01-10")},
	}
	for _, tt := range tests {
		if bars := f.ranges.Get(ctx, tt.symbol, tt.start, tt.end, src.Fetch); len(bars) != 0 {
			t.Errorf("%s: Get returned %d bars, want 0", tt.name, len(bars))
		}
		_, _, _, err := ValidateRange(tt.symbol, tt.start, tt.end)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: ValidateRange err = %v, want ErrInvalidRequest", tt.name, err)
		}
	}
	if n := len(src.Calls()); n != 0 {
		t.Errorf("fetch called %d times, want 0", n)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "cache")); !os.IsNotExist(err) {
		t.Errorf("cache directory created by invalid requests (stat err %v)", err)
	}
}

func TestRangeCacheSelfHealsTruncatedSeries(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)

	// Metadata claims more records than the series holds.
	m := assertMeta(t, f, "AAA", "2024-01-01", "2024-01-10", 10)
	m.RecordCount = 20
	if err := f.meta.PutSeriesMeta(ctx, m); err != nil {
		t.Fatalf("PutSeriesMeta: %v", err)
	}

	bars := f.ranges.Get(ctx, "AAA", date("2024-01-02"), date("2024-01-03"), src.Fetch)
	assertDates(t, bars, "2024-01-02", "2024-01-03", 2)
	if n := len(src.Calls()); n != 2 {
		t.Errorf("fetch called %d times, want 2 (truncated series is uncached)", n)
	}
	assertMeta(t, f, "AAA", "2024-01-01", "2024-01-10", 10)
}

func TestRangeCacheSelfHealsCorruptSeries(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	path := filepath.Join(f.dir, "cache", "daily", "AAA.parquet")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	bars := f.ranges.Get(ctx, "AAA", date("2024-01-03"), date("2024-01-04"), src.Fetch)
	assertDates(t, bars, "2024-01-03", "2024-01-04", 2)
	assertMeta(t, f, "AAA", "2024-01-03", "2024-01-04", 2)

	if _, err := f.files.ReadSeries(ctx, "AAA"); err != nil {
		t.Errorf("series not repaired: %v", err)
	}
}

func TestRangeCacheSeriesWithoutMetadata(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	// Simulates a crash between the series write and the metadata write.
	seed := []domain.Bar{{Symbol: "AAA", Date: date("2024-01-02"), Close: 7}}
	if err := f.files.WriteSeries(ctx, "AAA", seed); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}
	src.empty = true
	bars := f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-03"), src.Fetch)
	if len(bars) != 1 || bars[0].Close != 7 {
		t.Fatalf("Get = %+v, want the orphaned bar", bars)
	}
	assertMeta(t, f, "AAA", "2024-01-02", "2024-01-02", 1)
}

func TestRangeCacheGetDirect(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{spill: true}
	ctx := context.Background()

	bars := f.ranges.GetDirect(ctx, "aaa", date("2024-01-01"), date("2024-01-03"), src.Fetch)
	assertDates(t, bars, "2024-01-01", "2024-01-03", 3)
	if bars[0].Symbol != "AAA" {
		t.Errorf("Symbol = %q, want AAA", bars[0].Symbol)
	}
	if symbols, _ := f.ranges.Symbols(ctx); len(symbols) != 0 {
		t.Errorf("GetDirect cached %v", symbols)
	}
}

func TestRangeCacheClear(t *testing.T) {
	f := newFixture(t, t0, 0, 0)
	src := &barSource{}
	ctx := context.Background()

	f.ranges.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-03"), src.Fetch)
	f.ranges.Get(ctx, "BBB", date("2024-01-01"), date("2024-01-03"), src.Fetch)

	if err := f.ranges.Clear(ctx, "aaa"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := f.ranges.Info(ctx, "AAA"); ok {
		t.Error("AAA metadata survived Clear")
	}
	symbols, _ := f.ranges.Symbols(ctx)
	if len(symbols) != 1 || symbols[0] != "BBB" {
		t.Errorf("Symbols after Clear = %v, want [BBB]", symbols)
	}

	if err := f.ranges.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if list, _ := f.ranges.List(ctx); len(list) != 0 {
		t.Errorf("List after ClearAll = %v, want empty", list)
	}
}

func TestRangeCacheSQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	files := store.NewParquetStore(dir)
	meta, err := store.NewSQLiteMetaStore(filepath.Join(dir, "meta.db"), util.Discard())
	if err != nil {
		t.Fatalf("NewSQLiteMetaStore: %v", err)
	}
	defer meta.Close()

	rc := NewRangeCache(files, meta, RangeOptions{Now: func() time.Time { return t0 }}, util.Discard())
	src := &barSource{}
	ctx := context.Background()

	rc.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	rc.Get(ctx, "AAA", date("2024-01-05"), date("2024-01-08"), src.Fetch)
	if n := len(src.Calls()); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
	m, ok, err := meta.GetSeriesMeta(ctx, "AAA")
	if err != nil || !ok {
		t.Fatalf("GetSeriesMeta = ok %v, err %v", ok, err)
	}
	if m.RecordCount != 10 || !m.LastUpdate.Equal(t0) {
		t.Errorf("metadata = %+v, want 10 records updated at %v", m, t0)
	}
}

func TestRangeCacheRefetchesUnsettledBar(t *testing.T) {
	f := newFixture(t, at("2024-01-10", 15, 0), 0, 0)
	cal, err := util.NewCutoverCalendar(time.UTC, 21)
	if err != nil {
		t.Fatalf("NewCutoverCalendar: %v", err)
	}
	rc := NewRangeCache(f.files, f.meta, RangeOptions{Calendar: cal, Now: f.clock.Now}, util.Discard())
	src := &barSource{}
	ctx := context.Background()

	// Before the cutover the 2024-01-10 bar is still forming.
	bars := rc.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	assertDates(t, bars, "2024-01-01", "2024-01-10", 10)
	if bars[9].Close != 10 {
		t.Fatalf("2024-01-10 close = %v, want 10", bars[9].Close)
	}

	src.value = 100
	f.clock.Set(at("2024-01-12", 12, 0))
	bars = rc.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	assertDates(t, bars, "2024-01-01", "2024-01-10", 10)
	if bars[9].Close != 110 {
		t.Errorf("2024-01-10 close two days later = %v, want 110", bars[9].Close)
	}
	if bars[8].Close != 9 {
		t.Errorf("2024-01-09 close = %v, want the cached 9", bars[8].Close)
	}
	calls := src.Calls()
	if len(calls) != 2 || !calls[1].start.Equal(date("2024-01-10")) || !calls[1].end.Equal(date("2024-01-10")) {
		t.Fatalf("fetches = %v, want the second to cover only 2024-01-10", calls)
	}

	// Once settled the bar is served from the cache.
	rc.Get(ctx, "AAA", date("2024-01-01"), date("2024-01-10"), src.Fetch)
	if n := len(src.Calls()); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
}
