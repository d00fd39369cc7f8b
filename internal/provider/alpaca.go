// Package provider adapts remote market-data APIs to the cache's fetcher
// contract: fetches retry transient failures, respect a request budget and
// never return an error, only an empty result.
package provider

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantcache/internal/cache"
	"quantcache/internal/domain"
	"quantcache/internal/util"
)

// MarketDataClient is the subset of *marketdata.Client the adapter uses.
type MarketDataClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
	GetTrades(symbol string, req marketdata.GetTradesRequest) ([]marketdata.Trade, error)
}

var _ MarketDataClient = (*marketdata.Client)(nil)

// AlpacaOptions configures the Alpaca adapter.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string // "sip" or "iex"

	RateLimitPerMin int
	Backoff         util.Backoff

	// MaxTicks caps the trades requested per live-day fetch; 0 means no cap.
	// A fetch that reaches the cap is incomplete and is dropped.
	MaxTicks int
}

// Alpaca fetches daily bars and live-day trades from the Alpaca market-data
// API.
type Alpaca struct {
	client   MarketDataClient
	cal      util.TradingCalendar
	feed     string
	maxTicks int
	backoff  util.Backoff
	limiter  *util.RateLimiter
	now      func() time.Time
	log      *slog.Logger
}

// NewAlpaca creates an adapter talking to the Alpaca API with the given
// credentials.
func NewAlpaca(opts AlpacaOptions, cal util.TradingCalendar, log *slog.Logger) *Alpaca {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return NewAlpacaWithClient(marketdata.NewClient(clientOpts), opts, cal, log)
}

// NewAlpacaWithClient creates an adapter over an existing client.
func NewAlpacaWithClient(client MarketDataClient, opts AlpacaOptions, cal util.TradingCalendar, log *slog.Logger) *Alpaca {
	if log == nil {
		log = slog.Default()
	}
	feed := opts.Feed
	if feed == "" {
		feed = "sip"
	}
	backoff := opts.Backoff
	if backoff.Attempts <= 0 {
		backoff = util.DefaultBackoff
	}
	return &Alpaca{
		client:   client,
		cal:      cal,
		feed:     feed,
		maxTicks: opts.MaxTicks,
		backoff:  backoff,
		limiter:  util.NewRateLimiter(opts.RateLimitPerMin),
		now:      time.Now,
		log:      log.With("provider", "alpaca"),
	}
}

// BarFetcher returns the adapter's daily fetch as a cache.BarFetcher.
func (a *Alpaca) BarFetcher() cache.BarFetcher { return a.FetchBars }

// TickFetcher returns the adapter's live-day fetch as a cache.TickFetcher.
func (a *Alpaca) TickFetcher() cache.TickFetcher { return a.FetchTicks }

// FetchBars returns the daily bars of symbol in [start, end], ascending.
// Bar dates are the civil dates of the provider timestamps in the
// calendar's location.
func (a *Alpaca) FetchBars(ctx context.Context, symbol string, start, end time.Time) []domain.Bar {
	loc := a.cal.Location()
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	raw, err := util.Retry(ctx, a.backoff, func() ([]marketdata.Bar, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return a.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     from,
			End:       to,
			Feed:      marketdata.Feed(a.feed),
		})
	})
	if err != nil {
		a.log.Warn("fetching daily bars", "symbol", symbol,
			"start", domain.FormatDate(start), "end", domain.FormatDate(end), "error", err)
		return nil
	}

	sym := strings.ToUpper(symbol)
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol: sym,
			Date:   domain.DateOf(ab.Timestamp.In(loc)),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	a.log.Debug("fetched daily bars", "symbol", sym, "bars", len(bars))
	return bars
}

// FetchTicks returns the trades of the live trading day of symbol,
// ascending by time.
func (a *Alpaca) FetchTicks(ctx context.Context, symbol string) []domain.Tick {
	loc := a.cal.Location()
	day := a.cal.TradingDay(a.now())
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	raw, err := util.Retry(ctx, a.backoff, func() ([]marketdata.Trade, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return a.client.GetTrades(symbol, marketdata.GetTradesRequest{
			Start:      from,
			End:        to,
			TotalLimit: a.maxTicks,
			Feed:       marketdata.Feed(a.feed),
		})
	})
	if err != nil {
		a.log.Warn("fetching live trades", "symbol", symbol, "day", domain.FormatDate(day), "error", err)
		return nil
	}
	if a.maxTicks > 0 && len(raw) >= a.maxTicks {
		a.log.Warn("live trades hit max_ticks, dropping incomplete day", "symbol", symbol,
			"day", domain.FormatDate(day), "max_ticks", a.maxTicks)
		return nil
	}

	sym := strings.ToUpper(symbol)
	ticks := make([]domain.Tick, 0, len(raw))
	for _, tr := range raw {
		ticks = append(ticks, domain.Tick{
			Symbol:    sym,
			Timestamp: tr.Timestamp,
			Price:     tr.Price,
			Volume:    int64(tr.Size),
			Flag:      tr.ID,
		})
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Timestamp.Before(ticks[j].Timestamp) })
	a.log.Debug("fetched live trades", "symbol", sym, "day", domain.FormatDate(day), "ticks", len(ticks))
	return ticks
}
