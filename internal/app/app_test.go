package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"quantcache/internal/config"
	"quantcache/internal/util"
)

func testConfig(t *testing.T, metadata string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Storage: config.Storage{
			DataDir:    dir,
			Metadata:   metadata,
			SQLitePath: filepath.Join(dir, "meta.db"),
		},
		Intraday: config.Intraday{Timezone: "UTC", CutoverHour: 20},
		Warm:     config.Warm{Workers: 2},
	}
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			a, err := Open(testConfig(t, backend), util.Discard())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer a.Close()

			if a.Provider != nil {
				t.Error("Provider should be nil without credentials")
			}
			if a.Calendar.Hour() != 20 || a.Calendar.Location() != time.UTC {
				t.Errorf("calendar = %s@%d", a.Calendar.Location(), a.Calendar.Hour())
			}

			ctx := context.Background()
			start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
			if bars := a.Manager.GetRange(ctx, "AAPL", start, start, true); len(bars) != 0 {
				t.Errorf("cache-only GetRange returned %d bars, want 0", len(bars))
			}
			info, err := a.Manager.CacheInfo(ctx, "")
			if err != nil || info.TotalSymbols != 0 {
				t.Errorf("CacheInfo = %+v, %v", info, err)
			}
		})
	}
}

func TestOpenWithCredentials(t *testing.T) {
	cfg := testConfig(t, "json")
	cfg.Alpaca = config.Alpaca{APIKey: "key", APISecret: "secret", Feed: "iex"}
	a, err := Open(cfg, util.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if a.Provider == nil {
		t.Error("Provider is nil with credentials set")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open(testConfig(t, "redis"), util.Discard()); err == nil {
		t.Error("Open succeeded with unknown metadata backend")
	}
}

func TestOpenRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t, "json")
	cfg.Intraday.Timezone = "Nowhere/Town"
	if _, err := Open(cfg, util.Discard()); err == nil {
		t.Error("Open succeeded with unknown timezone")
	}
}
