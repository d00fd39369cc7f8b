package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"quantcache/internal/cache"
	"quantcache/internal/domain"
	"quantcache/internal/store"
)

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/v1/ticks/{symbol}", s.handleLiveTicks)
	mux.HandleFunc("GET /api/v1/ticks/{symbol}/{day}", s.handleDayTicks)
	mux.HandleFunc("GET /api/v1/days/{symbol}", s.handleDays)
	mux.HandleFunc("GET /api/v1/cache", s.handleCacheInfo)
	mux.HandleFunc("GET /api/v1/cache/{symbol}", s.handleCacheInfo)
	mux.HandleFunc("DELETE /api/v1/cache", s.handleClear)
	mux.HandleFunc("DELETE /api/v1/cache/{symbol}", s.handleClear)
	mux.HandleFunc("POST /api/v1/cache/cleanup", s.handleCleanup)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeCacheError maps cache errors onto HTTP statuses.
func (s *Server) writeCacheError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cache.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cache.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := probeWritable(s.opts.DataDir); err != nil {
		writeError(w, http.StatusServiceUnavailable, "data directory not writable")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleBars serves ?start=YYYY-MM-DD&end=YYYY-MM-DD[&cache=false].
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := domain.ParseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := domain.ParseDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	useCache := true
	if v := q.Get("cache"); v != "" {
		if useCache, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid cache flag")
			return
		}
	}

	sym, start, end, err := cache.ValidateRange(r.PathValue("symbol"), start, end)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}

	bars := s.svc.GetRange(r.Context(), sym, start, end, useCache)
	writeJSON(w, BarsResponse{
		Symbol: sym,
		Start:  domain.FormatDate(start),
		End:    domain.FormatDate(end),
		Cached: useCache,
		Count:  len(bars),
		Bars:   barsJSON(bars),
	})
}

func (s *Server) handleLiveTicks(w http.ResponseWriter, r *http.Request) {
	day, ticks, err := s.svc.GetLiveDay(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	s.writeDay(w, r, day, ticks)
}

// handleDayTicks serves a given day; ?historical=true never fetches.
func (s *Server) handleDayTicks(w http.ResponseWriter, r *http.Request) {
	day, err := domain.ParseDate(r.PathValue("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day: "+err.Error())
		return
	}
	historical, _ := strconv.ParseBool(r.URL.Query().Get("historical"))

	var ticks []domain.Tick
	if historical {
		ticks, err = s.svc.GetHistoricalDay(r.Context(), r.PathValue("symbol"), day)
	} else {
		ticks, err = s.svc.GetDay(r.Context(), r.PathValue("symbol"), day)
	}
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	s.writeDay(w, r, day, ticks)
}

func (s *Server) writeDay(w http.ResponseWriter, r *http.Request, day time.Time, ticks []domain.Tick) {
	sym, _ := domain.NormalizeSymbol(r.PathValue("symbol"))
	writeJSON(w, DayResponse{
		Symbol: sym,
		Day:    domain.FormatDate(day),
		Count:  len(ticks),
		Ticks:  ticksJSON(ticks),
	})
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	days, err := s.svc.ListDays(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	sym, _ := domain.NormalizeSymbol(r.PathValue("symbol"))
	resp := DaysResponse{Symbol: sym, Days: make([]string, len(days))}
	for i, d := range days {
		resp.Days[i] = domain.FormatDate(d)
	}
	writeJSON(w, resp)
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.CacheInfo(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	if info.Series == nil {
		info.Series = []store.SeriesMeta{}
	}
	if info.Days == nil {
		info.Days = []store.DayMeta{}
	}
	writeJSON(w, info)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if err := s.svc.Clear(r.Context(), symbol); err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	s.log.Info("cache cleared", "symbol", symbol)
	writeJSON(w, map[string]string{"status": "cleared"})
}

// handleCleanup serves ?days=N; without it the configured retention applies.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.opts.RetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	removed, err := s.svc.Cleanup(r.Context(), days)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	writeJSON(w, CleanupResponse{DaysToKeep: days, Removed: removed})
}
