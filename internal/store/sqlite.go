package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"quantcache/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ MetaStore = (*SQLiteMetaStore)(nil)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// SQLiteMetaStore implements MetaStore backed by a SQLite database.
type SQLiteMetaStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteMetaStore opens (or creates) a SQLite database at dbPath, enables
// WAL and runs migrations.
func NewSQLiteMetaStore(dbPath string, log *slog.Logger) (*SQLiteMetaStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteMetaStore{db: db, log: log.With("component", "sqlitemeta")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.log.Info("sqlite metadata opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteMetaStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteMetaStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version == schemaVersion {
		return nil
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than %d", version, schemaVersion)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS series_meta (
			symbol       TEXT PRIMARY KEY,
			version      INTEGER NOT NULL,
			range_min    TEXT NOT NULL,
			range_max    TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			last_update  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS day_meta (
			symbol       TEXT NOT NULL,
			trading_day  TEXT NOT NULL,
			version      INTEGER NOT NULL,
			last_update  TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			state        TEXT NOT NULL,
			first_tick   TEXT NOT NULL,
			last_tick    TEXT NOT NULL,
			PRIMARY KEY (symbol, trading_day)
		)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeriesMetaStore implementation
// ---------------------------------------------------------------------------

func (s *SQLiteMetaStore) GetSeriesMeta(ctx context.Context, symbol string) (SeriesMeta, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT symbol, version, range_min, range_max, record_count, last_update
		 FROM series_meta WHERE symbol = ?`, symbol)
	m, err := scanSeriesMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SeriesMeta{}, false, nil
	}
	if err != nil {
		return SeriesMeta{}, false, fmt.Errorf("get series meta %s: %w", symbol, err)
	}
	if err := m.Validate(); err != nil {
		s.log.Warn("ignoring invalid series meta", "symbol", symbol, "error", err)
		return SeriesMeta{}, false, nil
	}
	return m, true, nil
}

func (s *SQLiteMetaStore) PutSeriesMeta(ctx context.Context, meta SeriesMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO series_meta (symbol, version, range_min, range_max, record_count, last_update)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			version = excluded.version,
			range_min = excluded.range_min,
			range_max = excluded.range_max,
			record_count = excluded.record_count,
			last_update = excluded.last_update`,
		meta.Symbol, meta.Version, meta.Range.Min, meta.Range.Max, meta.RecordCount, formatTime(meta.LastUpdate))
	if err != nil {
		return fmt.Errorf("put series meta %s: %w", meta.Symbol, err)
	}
	return nil
}

func (s *SQLiteMetaStore) DeleteSeriesMeta(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM series_meta WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete series meta %s: %w", symbol, err)
	}
	return nil
}

func (s *SQLiteMetaStore) ListSeriesMeta(ctx context.Context) ([]SeriesMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, version, range_min, range_max, record_count, last_update
		 FROM series_meta ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list series meta: %w", err)
	}
	defer rows.Close()

	var out []SeriesMeta
	for rows.Next() {
		m, err := scanSeriesMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series meta: %w", err)
		}
		if m.Validate() != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// DayMetaStore implementation
// ---------------------------------------------------------------------------

const dayMetaColumns = `symbol, trading_day, version, last_update, record_count, state, first_tick, last_tick`

func (s *SQLiteMetaStore) GetDayMeta(ctx context.Context, symbol string, day time.Time) (DayMeta, bool, error) {
	key := DayKey(symbol, day)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dayMetaColumns+` FROM day_meta WHERE symbol = ? AND trading_day = ?`,
		symbol, domain.FormatDate(day))
	m, err := scanDayMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DayMeta{}, false, nil
	}
	if err != nil {
		return DayMeta{}, false, fmt.Errorf("get day meta %s: %w", key, err)
	}
	if err := m.Validate(); err != nil {
		s.log.Warn("ignoring invalid day meta", "key", key, "error", err)
		return DayMeta{}, false, nil
	}
	return m, true, nil
}

func (s *SQLiteMetaStore) PutDayMeta(ctx context.Context, meta DayMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO day_meta (`+dayMetaColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, trading_day) DO UPDATE SET
			version = excluded.version,
			last_update = excluded.last_update,
			record_count = excluded.record_count,
			state = excluded.state,
			first_tick = excluded.first_tick,
			last_tick = excluded.last_tick`,
		meta.Symbol, meta.TradingDay, meta.Version, formatTime(meta.LastUpdate), meta.RecordCount,
		string(meta.State), formatTime(meta.FirstTick), formatTime(meta.LastTick))
	if err != nil {
		return fmt.Errorf("put day meta %s: %w", meta.Key(), err)
	}
	return nil
}

func (s *SQLiteMetaStore) DeleteDayMeta(ctx context.Context, symbol string, day time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM day_meta WHERE symbol = ? AND trading_day = ?`, symbol, domain.FormatDate(day))
	if err != nil {
		return fmt.Errorf("delete day meta %s: %w", DayKey(symbol, day), err)
	}
	return nil
}

func (s *SQLiteMetaStore) ListDayMeta(ctx context.Context, symbol string) ([]DayMeta, error) {
	query := `SELECT ` + dayMetaColumns + ` FROM day_meta`
	var args []any
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY symbol, trading_day`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list day meta: %w", err)
	}
	defer rows.Close()

	var out []DayMeta
	for rows.Next() {
		m, err := scanDayMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan day meta: %w", err)
		}
		if m.Validate() != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanSeriesMeta(sc scanner) (SeriesMeta, error) {
	var (
		m          SeriesMeta
		lastUpdate string
	)
	if err := sc.Scan(&m.Symbol, &m.Version, &m.Range.Min, &m.Range.Max, &m.RecordCount, &lastUpdate); err != nil {
		return SeriesMeta{}, err
	}
	m.LastUpdate = parseTime(lastUpdate)
	return m, nil
}

func scanDayMeta(sc scanner) (DayMeta, error) {
	var (
		m                         DayMeta
		state                     string
		lastUpdate, first, latest string
	)
	if err := sc.Scan(&m.Symbol, &m.TradingDay, &m.Version, &lastUpdate, &m.RecordCount, &state, &first, &latest); err != nil {
		return DayMeta{}, err
	}
	m.State = domain.DayState(state)
	m.LastUpdate = parseTime(lastUpdate)
	m.FirstTick = parseTime(first)
	m.LastTick = parseTime(latest)
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime returns the zero time for empty or malformed values; Validate
// then rejects records whose last_update is missing.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
