// Package analytics provides range aggregates over captured typing sessions.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"

	// MaxRangeDays bounds DailyTotals.
	MaxRangeDays = 366
)

// ErrInvalidRange is returned when end precedes start or the range is too long.
var ErrInvalidRange = errors.New("invalid date range")

// Viewer runs read queries with exclusive use of the database.
// store.SQLiteStore satisfies it.
type Viewer interface {
	View(fn func(db *sql.DB) error) error
}

// Engine provides analytics queries over the inputs table.
type Engine struct {
	db Viewer
}

// NewEngine creates a new analytics engine.
func NewEngine(db Viewer) *Engine {
	return &Engine{db: db}
}

// DayTotal is the activity of one UTC day.
type DayTotal struct {
	Date        string `json:"date"`
	KeyCount    int64  `json:"key_count"`
	RecordCount int64  `json:"record_count"`
	AppCount    int64  `json:"app_count"`
}

// HourBucket is the activity within one UTC hour of a day.
type HourBucket struct {
	Hour        int   `json:"hour"`
	KeyCount    int64 `json:"key_count"`
	RecordCount int64 `json:"record_count"`
}

// AppTotal is one application's share of a range.
type AppTotal struct {
	AppName     string `json:"app_name"`
	KeyCount    int64  `json:"key_count"`
	RecordCount int64  `json:"record_count"`
}

// Summary is the overall activity of a range.
type Summary struct {
	Start            string  `json:"start"`
	End              string  `json:"end"`
	TotalKeys        int64   `json:"total_keys"`
	TotalRecords     int64   `json:"total_records"`
	DistinctApps     int64   `json:"distinct_apps"`
	AvgKeysPerRecord float64 `json:"avg_keys_per_record"`
	ActiveDays       int64   `json:"active_days"`
}

// dayBounds returns the storage-format half-open interval covering the
// days start..end inclusive.
func dayBounds(start, end time.Time) (lo, hi string, err error) {
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return "", "", fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end.Format(dateLayout), start.Format(dateLayout))
	}
	if end.Sub(start) > MaxRangeDays*24*time.Hour {
		return "", "", fmt.Errorf("%w: more than %d days", ErrInvalidRange, MaxRangeDays)
	}
	return start.Format(timestampLayout), end.AddDate(0, 0, 1).Format(timestampLayout), nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyTotals returns one entry per day from start to end inclusive. Days
// without records are present with zero counts.
func (e *Engine) DailyTotals(ctx context.Context, start, end time.Time) ([]DayTotal, error) {
	lo, hi, err := dayBounds(start, end)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]DayTotal)
	err = e.db.View(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT
				substr(timestamp, 1, 10) AS day,
				COALESCE(SUM(key_count), 0),
				COUNT(*),
				COUNT(DISTINCT app_name)
			FROM inputs
			WHERE timestamp >= ? AND timestamp < ?
			GROUP BY day
			ORDER BY day
		`, lo, hi)
		if err != nil {
			return fmt.Errorf("querying daily totals: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var d DayTotal
			if err := rows.Scan(&d.Date, &d.KeyCount, &d.RecordCount, &d.AppCount); err != nil {
				return err
			}
			byDay[d.Date] = d
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	var days []DayTotal
	for day := truncateDay(start); !day.After(truncateDay(end)); day = day.AddDate(0, 0, 1) {
		key := day.Format(dateLayout)
		d, ok := byDay[key]
		if !ok {
			d = DayTotal{Date: key}
		}
		days = append(days, d)
	}
	return days, nil
}

// HourlyActivity returns 24 buckets for the UTC day containing date.
func (e *Engine) HourlyActivity(ctx context.Context, date time.Time) ([]HourBucket, error) {
	lo, hi, err := dayBounds(date, date)
	if err != nil {
		return nil, err
	}

	buckets := make([]HourBucket, 24)
	for i := range buckets {
		buckets[i].Hour = i
	}
	err = e.db.View(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT
				CAST(substr(timestamp, 12, 2) AS INTEGER) AS hour,
				COALESCE(SUM(key_count), 0),
				COUNT(*)
			FROM inputs
			WHERE timestamp >= ? AND timestamp < ?
			GROUP BY hour
		`, lo, hi)
		if err != nil {
			return fmt.Errorf("querying hourly activity: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var b HourBucket
			if err := rows.Scan(&b.Hour, &b.KeyCount, &b.RecordCount); err != nil {
				return err
			}
			if b.Hour >= 0 && b.Hour < 24 {
				buckets[b.Hour] = b
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// TopApps returns the applications with the most keys in the range.
func (e *Engine) TopApps(ctx context.Context, start, end time.Time, limit int) ([]AppTotal, error) {
	lo, hi, err := dayBounds(start, end)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	apps := []AppTotal{}
	err = e.db.View(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT app_name, COALESCE(SUM(key_count), 0) AS app_keys, COUNT(*)
			FROM inputs
			WHERE timestamp >= ? AND timestamp < ?
			GROUP BY app_name
			ORDER BY app_keys DESC, app_name
			LIMIT ?
		`, lo, hi, limit)
		if err != nil {
			return fmt.Errorf("querying top apps: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var a AppTotal
			if err := rows.Scan(&a.AppName, &a.KeyCount, &a.RecordCount); err != nil {
				return err
			}
			apps = append(apps, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return apps, nil
}

// Summarize returns the overall activity of the range.
func (e *Engine) Summarize(ctx context.Context, start, end time.Time) (*Summary, error) {
	lo, hi, err := dayBounds(start, end)
	if err != nil {
		return nil, err
	}

	s := Summary{
		Start: truncateDay(start).Format(dateLayout),
		End:   truncateDay(end).Format(dateLayout),
	}
	err = e.db.View(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(key_count), 0),
				COUNT(*),
				COUNT(DISTINCT app_name),
				COUNT(DISTINCT substr(timestamp, 1, 10))
			FROM inputs
			WHERE timestamp >= ? AND timestamp < ?
		`, lo, hi).Scan(&s.TotalKeys, &s.TotalRecords, &s.DistinctApps, &s.ActiveDays)
	})
	if err != nil {
		return nil, fmt.Errorf("summarizing range: %w", err)
	}
	if s.TotalRecords > 0 {
		s.AvgKeysPerRecord = float64(s.TotalKeys) / float64(s.TotalRecords)
	}
	return &s, nil
}
