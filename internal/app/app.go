// Package app assembles the storage, provider and cache layers from a
// Config. Both binaries open the cache through it.
package app

import (
	"fmt"
	"log/slog"

	"quantcache/internal/cache"
	"quantcache/internal/config"
	"quantcache/internal/provider"
	"quantcache/internal/store"
	"quantcache/internal/util"
)

// App holds the opened cache and the resources behind it.
type App struct {
	Manager  *cache.Manager
	Calendar *util.CutoverCalendar
	Files    *store.ParquetStore
	Meta     store.MetaStore
	// Provider is nil when no Alpaca credentials are configured; the
	// manager then serves from cache only.
	Provider *provider.Alpaca
}

// Open builds an App from cfg.
func Open(cfg *config.Config, log *slog.Logger) (*App, error) {
	cal, err := util.LoadCutoverCalendar(cfg.Intraday.Timezone, cfg.Intraday.CutoverHour)
	if err != nil {
		return nil, err
	}

	meta, err := OpenMetaStore(cfg, log)
	if err != nil {
		return nil, err
	}
	files := store.NewParquetStore(cfg.Storage.DataDir)

	a := &App{Calendar: cal, Files: files, Meta: meta}

	var bars cache.BarFetcher
	var ticks cache.TickFetcher
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		a.Provider = provider.NewAlpaca(provider.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
			MaxTicks:        cfg.Alpaca.MaxTicks,
		}, cal, log)
		bars, ticks = a.Provider.BarFetcher(), a.Provider.TickFetcher()
	} else {
		log.Warn("alpaca credentials not set, serving from cache only")
	}

	ranges := cache.NewRangeCache(files, meta, cache.RangeOptions{Expiry: cfg.Cache.RangeExpiry, Calendar: cal}, log)
	days := cache.NewDayCache(files, meta, cal, cache.DayOptions{ExpireDays: cfg.Intraday.ExpireDays}, log)
	a.Manager = cache.NewManager(ranges, days, bars, ticks, log)
	a.Manager.SetWarmWorkers(cfg.Warm.Workers)
	return a, nil
}

// OpenMetaStore opens the metadata backend selected by storage.metadata.
func OpenMetaStore(cfg *config.Config, log *slog.Logger) (store.MetaStore, error) {
	switch cfg.Storage.Metadata {
	case "sqlite":
		s, err := store.NewSQLiteMetaStore(cfg.Storage.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite metadata: %w", err)
		}
		return s, nil
	case "json", "":
		return store.NewJSONMetaStore(cfg.Storage.DataDir, log), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Storage.Metadata)
	}
}

// Close releases the metadata store.
func (a *App) Close() error {
	return a.Meta.Close()
}
