// Package quantcache is a Go client for the quantcache-server HTTP API.
package quantcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Bar is one daily OHLCV record.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Tick is one trade print. Time is Unix milliseconds.
type Tick struct {
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
	Flag   int64   `json:"flag"`
}

// Day holds the ticks of one trading day.
type Day struct {
	Symbol string `json:"symbol"`
	Day    string `json:"day"`
	Count  int    `json:"count"`
	Ticks  []Tick `json:"ticks"`
}

// DateRange is an inclusive range of YYYY-MM-DD dates.
type DateRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// SeriesInfo describes a cached daily series.
type SeriesInfo struct {
	Symbol      string    `json:"symbol"`
	Range       DateRange `json:"range"`
	RecordCount int       `json:"record_count"`
	LastUpdate  time.Time `json:"last_update"`
}

// DayInfo describes one cached intraday day.
type DayInfo struct {
	Symbol      string    `json:"symbol"`
	TradingDay  string    `json:"trading_day"`
	State       string    `json:"state"`
	RecordCount int       `json:"record_count"`
	LastUpdate  time.Time `json:"last_update"`
}

// CacheInfo is the server's view of its cache.
type CacheInfo struct {
	Series       []SeriesInfo `json:"series"`
	Days         []DayInfo    `json:"days"`
	TotalSymbols int          `json:"total_cached_symbols"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantcache: %d %s", e.StatusCode, e.Message)
}

// NotFound reports whether the server had nothing for the request.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Client provides a Go SDK for interacting with the quantcache-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new quantcache API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetRange retrieves the daily bars of symbol in [start, end]. With useCache
// false the server queries its provider directly.
func (c *Client) GetRange(ctx context.Context, symbol string, start, end time.Time, useCache bool) ([]Bar, error) {
	q := url.Values{}
	q.Set("start", start.Format(dateLayout))
	q.Set("end", end.Format(dateLayout))
	q.Set("cache", strconv.FormatBool(useCache))

	var resp struct {
		Bars []Bar `json:"bars"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/bars/"+url.PathEscape(symbol)+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// GetDay retrieves the ticks of symbol on day. A zero day selects the live
// trading day.
func (c *Client) GetDay(ctx context.Context, symbol string, day time.Time) (*Day, error) {
	path := "/api/v1/ticks/" + url.PathEscape(symbol)
	if !day.IsZero() {
		path += "/" + day.Format(dateLayout)
	}
	var d Day
	if err := c.do(ctx, http.MethodGet, path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CacheInfo retrieves cache metadata for symbol, or for everything when
// symbol is empty.
func (c *Client) CacheInfo(ctx context.Context, symbol string) (*CacheInfo, error) {
	path := "/api/v1/cache"
	if symbol != "" {
		path += "/" + url.PathEscape(symbol)
	}
	var info CacheInfo
	if err := c.do(ctx, http.MethodGet, path, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Clear drops the cache of symbol, or the whole cache when symbol is empty.
func (c *Client) Clear(ctx context.Context, symbol string) error {
	path := "/api/v1/cache"
	if symbol != "" {
		path += "/" + url.PathEscape(symbol)
	}
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
