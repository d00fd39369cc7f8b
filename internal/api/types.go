package api

import (
	"quantcache/internal/domain"
)

// BarJSON is the JSON representation of a daily bar.
type BarJSON struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// BarsResponse is returned by GET /api/v1/bars/{symbol}.
type BarsResponse struct {
	Symbol string    `json:"symbol"`
	Start  string    `json:"start"`
	End    string    `json:"end"`
	Cached bool      `json:"cached"`
	Count  int       `json:"count"`
	Bars   []BarJSON `json:"bars"`
}

// TickJSON is the JSON representation of a trade print. Time is Unix
// milliseconds.
type TickJSON struct {
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
	Flag   int64   `json:"flag"`
}

// DayResponse is returned by the /api/v1/ticks endpoints.
type DayResponse struct {
	Symbol string     `json:"symbol"`
	Day    string     `json:"day"`
	Count  int        `json:"count"`
	Ticks  []TickJSON `json:"ticks"`
}

// DaysResponse lists the cached days of a symbol, newest first.
type DaysResponse struct {
	Symbol string   `json:"symbol"`
	Days   []string `json:"days"`
}

// CleanupResponse reports a retention pass.
type CleanupResponse struct {
	DaysToKeep int `json:"days_to_keep"`
	Removed    int `json:"removed"`
}

func barsJSON(bars []domain.Bar) []BarJSON {
	out := make([]BarJSON, len(bars))
	for i, b := range bars {
		out[i] = BarJSON{
			Date:   domain.FormatDate(b.Date),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}
	return out
}

func ticksJSON(ticks []domain.Tick) []TickJSON {
	out := make([]TickJSON, len(ticks))
	for i, t := range ticks {
		out[i] = TickJSON{
			Time:   t.Timestamp.UnixMilli(),
			Price:  t.Price,
			Volume: t.Volume,
			Flag:   t.Flag,
		}
	}
	return out
}
