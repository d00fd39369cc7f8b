package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ MetaStore = (*JSONMetaStore)(nil)

// JSONMetaStore keeps metadata in two JSON documents:
// <dataDir>/cache/daily/metadata.json keyed by symbol and
// <dataDir>/cache/intraday/metadata.json keyed by DayKey.
//
// Both documents are loaded once and rewritten atomically on every mutation.
// Records that fail to decode or validate are dropped on load.
type JSONMetaStore struct {
	mu     sync.RWMutex
	series *jsonDoc[SeriesMeta]
	days   *jsonDoc[DayMeta]
	log    *slog.Logger
}

// NewJSONMetaStore loads (or starts empty) both metadata documents under
// dataDir.
func NewJSONMetaStore(dataDir string, log *slog.Logger) *JSONMetaStore {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "jsonmeta")
	s := &JSONMetaStore{
		series: newJSONDoc[SeriesMeta](filepath.Join(dataDir, "cache", "daily", "metadata.json"), log),
		days:   newJSONDoc[DayMeta](filepath.Join(dataDir, "cache", "intraday", "metadata.json"), log),
		log:    log,
	}
	s.series.load(SeriesMeta.Validate, func(m SeriesMeta) string { return m.Symbol })
	s.days.load(DayMeta.Validate, DayMeta.Key)
	return s
}

// Close is a no-op; every mutation is already flushed.
func (s *JSONMetaStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// SeriesMetaStore implementation
// ---------------------------------------------------------------------------

func (s *JSONMetaStore) GetSeriesMeta(_ context.Context, symbol string) (SeriesMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.series.records[symbol]
	return m, ok, nil
}

func (s *JSONMetaStore) PutSeriesMeta(_ context.Context, meta SeriesMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.series.put(meta.Symbol, meta)
}

func (s *JSONMetaStore) DeleteSeriesMeta(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.series.remove(symbol)
}

func (s *JSONMetaStore) ListSeriesMeta(_ context.Context) ([]SeriesMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SeriesMeta, 0, len(s.series.records))
	for _, m := range s.series.records {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ---------------------------------------------------------------------------
// DayMetaStore implementation
// ---------------------------------------------------------------------------

func (s *JSONMetaStore) GetDayMeta(_ context.Context, symbol string, day time.Time) (DayMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.days.records[DayKey(symbol, day)]
	return m, ok, nil
}

func (s *JSONMetaStore) PutDayMeta(_ context.Context, meta DayMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.days.put(meta.Key(), meta)
}

func (s *JSONMetaStore) DeleteDayMeta(_ context.Context, symbol string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.days.remove(DayKey(symbol, day))
}

func (s *JSONMetaStore) ListDayMeta(_ context.Context, symbol string) ([]DayMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DayMeta
	for _, m := range s.days.records {
		if symbol == "" || m.Symbol == symbol {
			out = append(out, m)
		}
	}
	sortDayMeta(out)
	return out, nil
}

func sortDayMeta(metas []DayMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Symbol != metas[j].Symbol {
			return metas[i].Symbol < metas[j].Symbol
		}
		return metas[i].TradingDay < metas[j].TradingDay
	})
}

// ---------------------------------------------------------------------------
// jsonDoc
// ---------------------------------------------------------------------------

// jsonDoc is one JSON object on disk mapping keys to records of type T.
// Callers hold the owning store's lock.
type jsonDoc[T any] struct {
	path    string
	records map[string]T
	log     *slog.Logger
}

func newJSONDoc[T any](path string, log *slog.Logger) *jsonDoc[T] {
	return &jsonDoc[T]{path: path, records: make(map[string]T), log: log}
}

// load reads the document, keeping only records that decode, validate and
// are stored under their own key.
func (d *jsonDoc[T]) load(validate func(T) error, keyOf func(T) string) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return // File doesn't exist yet, start empty.
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		d.log.Warn("discarding unreadable metadata file", "path", d.path, "error", err)
		return
	}
	dropped := 0
	for key, msg := range raw {
		var rec T
		if err := json.Unmarshal(msg, &rec); err != nil {
			dropped++
			continue
		}
		if err := validate(rec); err != nil || keyOf(rec) != key {
			dropped++
			continue
		}
		d.records[key] = rec
	}
	if dropped > 0 {
		d.log.Warn("dropped invalid metadata records", "path", d.path, "dropped", dropped)
	}
	d.log.Debug("loaded metadata", "path", d.path, "records", len(d.records))
}

// put stores rec under key and flushes. On a failed flush the previous
// record is restored so memory keeps matching the file.
func (d *jsonDoc[T]) put(key string, rec T) error {
	prev, had := d.records[key]
	d.records[key] = rec
	if err := d.flush(); err != nil {
		if had {
			d.records[key] = prev
		} else {
			delete(d.records, key)
		}
		return err
	}
	return nil
}

// remove deletes key and flushes, restoring the record if the flush fails.
func (d *jsonDoc[T]) remove(key string) error {
	prev, ok := d.records[key]
	if !ok {
		return nil
	}
	delete(d.records, key)
	if err := d.flush(); err != nil {
		d.records[key] = prev
		return err
	}
	return nil
}

// flush rewrites the document atomically.
func (d *jsonDoc[T]) flush() error {
	data, err := json.MarshalIndent(d.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	if err := writeFileAtomic(d.path, data); err != nil {
		return fmt.Errorf("writing metadata %s: %w", d.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
