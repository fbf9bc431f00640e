package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/HakAl/arkinput/internal/config"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
//
// All statements run under mu on a single pooled connection, so callers on
// the capture path and the API never interleave.
type SQLiteStore struct {
	mu            sync.Mutex
	db            *sql.DB
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, retention *config.RetentionConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Typed content can include passwords the user typed; keep the file private.
	if err := setSecureFilePermissions(dbPath); err != nil {
		logger.Warn("could not restrict database permissions", "path", dbPath, "error", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	if retention != nil {
		s.retentionDays = retention.RecordsTTLDays
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// setSecureFilePermissions sets 0600 on the database and its WAL companions.
// Windows relies on ACLs instead and is skipped.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" || path == ":memory:" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1,
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

// Timestamps are TEXT so the driver hands them back verbatim.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS inputs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	app_name TEXT NOT NULL,
	window_title TEXT,
	content TEXT NOT NULL,
	key_count INTEGER NOT NULL DEFAULT 1,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inputs_timestamp ON inputs(timestamp);
CREATE INDEX IF NOT EXISTS idx_inputs_app_name ON inputs(app_name);
`

// InsertRecord stores rec and returns its new id.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *InputRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inputs (timestamp, app_name, window_title, content, key_count)
		VALUES (?, ?, ?, ?, ?)
	`,
		rec.Timestamp.UTC().Format(TimestampLayout), rec.AppName, rec.WindowTitle, rec.Content, rec.KeyCount,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	return res.LastInsertId()
}

func validateRecord(rec *InputRecord) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case rec.AppName == "":
		return fmt.Errorf("%w: empty app name", ErrInvalidRecord)
	case rec.Content == "":
		return fmt.Errorf("%w: empty content", ErrInvalidRecord)
	case rec.KeyCount < 1:
		return fmt.Errorf("%w: key count %d", ErrInvalidRecord, rec.KeyCount)
	case rec.Timestamp.IsZero():
		return fmt.Errorf("%w: zero timestamp", ErrInvalidRecord)
	}
	return nil
}

// QueryRecords returns records matching filter, newest first.
func (s *SQLiteStore) QueryRecords(ctx context.Context, filter SearchFilter) ([]*InputRecord, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, timestamp, app_name, window_title, content, key_count, created_at
		FROM inputs WHERE 1=1`)

	where, args := filterClause(filter)
	query.WriteString(where)
	query.WriteString(" ORDER BY timestamp DESC LIMIT ? OFFSET ?")

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	records := []*InputRecord{}
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountRecords returns how many records match filter, ignoring Limit and Offset.
func (s *SQLiteStore) CountRecords(ctx context.Context, filter SearchFilter) (int, error) {
	where, args := filterClause(filter)

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM inputs WHERE 1=1"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

// filterClause renders the AND-ed predicates of filter.
func filterClause(filter SearchFilter) (string, []interface{}) {
	var sb strings.Builder
	args := []interface{}{}

	if filter.Query != nil {
		sb.WriteString(` AND content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(*filter.Query)+"%")
	}
	if filter.AppName != nil {
		sb.WriteString(" AND app_name = ?")
		args = append(args, *filter.AppName)
	}
	if filter.StartDate != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, normalizeBound(*filter.StartDate))
	}
	if filter.EndDate != nil {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, normalizeBound(*filter.EndDate))
	}

	return sb.String(), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// normalizeBound converts RFC3339 bounds to the storage layout.
// Anything else is compared against the stored text verbatim.
func normalizeBound(bound string) string {
	if t, err := time.Parse(time.RFC3339, bound); err == nil {
		return t.UTC().Format(TimestampLayout)
	}
	return bound
}

// DeleteBefore removes records whose timestamp sorts strictly before boundary.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, boundary string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteBeforeLocked(ctx, normalizeBound(boundary))
}

func (s *SQLiteStore) deleteBeforeLocked(ctx context.Context, boundary string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM inputs WHERE timestamp < ?", boundary)
	if err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}
	return res.RowsAffected()
}

// TodayStats aggregates the current UTC day.
func (s *SQLiteStore) TodayStats(ctx context.Context) (*DailyStats, error) {
	return s.StatsForDate(ctx, s.now().UTC().Format(DateLayout))
}

// StatsForDate aggregates records whose timestamp falls on date (YYYY-MM-DD, UTC).
func (s *SQLiteStore) StatsForDate(ctx context.Context, date string) (*DailyStats, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &DailyStats{Date: date, AppStats: []AppStats{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(key_count), 0), COUNT(*)
		FROM inputs WHERE date(timestamp) = ?
	`, date).Scan(&stats.TotalKeys, &stats.TotalRecords)
	if err != nil {
		return nil, fmt.Errorf("querying daily totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT app_name, SUM(key_count) AS app_keys, COUNT(*)
		FROM inputs WHERE date(timestamp) = ?
		GROUP BY app_name
		ORDER BY app_keys DESC, app_name
	`, date)
	if err != nil {
		return nil, fmt.Errorf("querying per-app stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var as AppStats
		if err := rows.Scan(&as.AppName, &as.KeyCount, &as.RecordCount); err != nil {
			return nil, err
		}
		stats.AppStats = append(stats.AppStats, as)
	}

	return stats, rows.Err()
}

// ListApps returns every app name that has records, alphabetically.
func (s *SQLiteStore) ListApps(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT app_name FROM inputs ORDER BY app_name")
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	defer rows.Close()

	apps := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		apps = append(apps, name)
	}
	return apps, rows.Err()
}

// GetSetting returns the stored value for key. found is false when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting inserts or replaces the value for key.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// SetRetentionDays changes the TTL used by RunRetention. Zero disables pruning.
func (s *SQLiteStore) SetRetentionDays(days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retentionDays = days
}

// RunRetention deletes records older than the configured TTL.
func (s *SQLiteStore) RunRetention(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays).Format(TimestampLayout)
	return s.deleteBeforeLocked(ctx, cutoff)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// View runs fn with the underlying *sql.DB while holding mu. fn must not
// call back into the store.
func (s *SQLiteStore) View(fn func(db *sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

// SizeBytes returns page_count * page_size.
func (s *SQLiteStore) SizeBytes(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}
	return pageCount * pageSize, nil
}

func (s *SQLiteStore) scanRecord(rows *sql.Rows) (*InputRecord, error) {
	var rec InputRecord
	var ts string
	var title, createdAt sql.NullString

	if err := rows.Scan(&rec.ID, &ts, &rec.AppName, &title, &rec.Content, &rec.KeyCount, &createdAt); err != nil {
		return nil, err
	}

	rec.Timestamp = s.parseStoredTimestamp(rec.ID, ts)
	if title.Valid {
		rec.WindowTitle = &title.String
	}
	if createdAt.Valid {
		if t, ok := parseTimestamp(createdAt.String); ok {
			rec.CreatedAt = &t
		}
	}
	return &rec, nil
}

// parseStoredTimestamp is lenient: a row whose timestamp cannot be parsed is
// returned stamped with the current time rather than failing the whole query.
// The substitution is logged so corrupt rows can be found.
func (s *SQLiteStore) parseStoredTimestamp(id int64, raw string) time.Time {
	if t, ok := parseTimestamp(raw); ok {
		return t
	}
	s.logger.Warn("unparseable record timestamp, substituting now", "id", id, "raw", raw)
	return s.now().UTC()
}

func parseTimestamp(raw string) (time.Time, bool) {
	if t, err := time.ParseInLocation(TimestampLayout, raw, time.UTC); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
