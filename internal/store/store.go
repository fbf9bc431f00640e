// Package store provides data persistence using SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TimestampLayout is the storage encoding of record timestamps (UTC).
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the encoding of calendar dates used by daily stats.
const DateLayout = "2006-01-02"

// DefaultLimit is the page size used when a SearchFilter leaves Limit unset.
const DefaultLimit = 100

var (
	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid input record")
	// ErrInvalidDate is returned when a date is not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid date")
)

// InputRecord is one committed typing session.
type InputRecord struct {
	ID          int64      `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	AppName     string     `json:"app_name"`
	WindowTitle *string    `json:"window_title"`
	Content     string     `json:"content"`
	KeyCount    int        `json:"key_count"`
	CreatedAt   *time.Time `json:"created_at"`
}

// SearchFilter defines filter criteria for record queries.
// Nil fields do not constrain the query.
type SearchFilter struct {
	Query     *string `json:"query,omitempty"`      // content substring
	AppName   *string `json:"app_name,omitempty"`   // exact match
	StartDate *string `json:"start_date,omitempty"` // inclusive lower bound
	EndDate   *string `json:"end_date,omitempty"`   // inclusive upper bound
	Limit     int     `json:"limit,omitempty"`      // <= 0 means DefaultLimit
	Offset    int     `json:"offset,omitempty"`
}

// AppStats is the per-application slice of a day's activity.
type AppStats struct {
	AppName     string `json:"app_name"`
	KeyCount    int64  `json:"key_count"`
	RecordCount int64  `json:"record_count"`
}

// DailyStats aggregates one UTC calendar day.
type DailyStats struct {
	Date         string     `json:"date"`
	TotalKeys    int64      `json:"total_keys"`
	TotalRecords int64      `json:"total_records"`
	AppStats     []AppStats `json:"app_stats"`
}

// Store defines the interface for data persistence.
type Store interface {
	// Records
	InsertRecord(ctx context.Context, rec *InputRecord) (int64, error)
	QueryRecords(ctx context.Context, filter SearchFilter) ([]*InputRecord, error)
	CountRecords(ctx context.Context, filter SearchFilter) (int, error)
	DeleteBefore(ctx context.Context, boundary string) (int64, error)

	// Aggregates
	TodayStats(ctx context.Context) (*DailyStats, error)
	StatsForDate(ctx context.Context, date string) (*DailyStats, error)
	ListApps(ctx context.Context) ([]string, error)

	// Settings
	GetSetting(ctx context.Context, key string) (value string, found bool, err error)
	SetSetting(ctx context.Context, key, value string) error

	// Maintenance
	RunRetention(ctx context.Context) (deleted int64, err error)
	Close() error

	// View runs fn against the database under the store's lock.
	View(fn func(db *sql.DB) error) error
	// SizeBytes reports the database size from its page count.
	SizeBytes(ctx context.Context) (int64, error)
}
