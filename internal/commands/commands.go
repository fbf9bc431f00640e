// Package commands is the request/response surface over the record store
// and settings. The HTTP API and the CLI both call through it.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
)

// ErrMissingBoundary is returned by DeleteOldRecords when no cutoff is given.
var ErrMissingBoundary = errors.New("a cutoff timestamp is required")

// Service executes commands. Every method returns the store's error to the
// caller unchanged apart from wrapping.
type Service struct {
	store    store.Store
	settings *settings.Gateway
	logger   *slog.Logger
}

// New creates a Service.
func New(s store.Store, gw *settings.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, settings: gw, logger: logger}
}

// GetRecords returns the records matching filter, newest first.
func (s *Service) GetRecords(ctx context.Context, filter store.SearchFilter) ([]*store.InputRecord, error) {
	recs, err := s.store.QueryRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	return recs, nil
}

// CountRecords returns how many records match filter, ignoring Limit and Offset.
func (s *Service) CountRecords(ctx context.Context, filter store.SearchFilter) (int, error) {
	n, err := s.store.CountRecords(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// GetTodayStats aggregates the current UTC day.
func (s *Service) GetTodayStats(ctx context.Context) (*store.DailyStats, error) {
	stats, err := s.store.TodayStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing today's stats: %w", err)
	}
	return stats, nil
}

// GetStatsForDate aggregates one UTC day given as YYYY-MM-DD.
func (s *Service) GetStatsForDate(ctx context.Context, date string) (*store.DailyStats, error) {
	stats, err := s.store.StatsForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("computing stats for %s: %w", date, err)
	}
	return stats, nil
}

// GetAppList returns every distinct application name, sorted.
func (s *Service) GetAppList(ctx context.Context) ([]string, error) {
	apps, err := s.store.ListApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	return apps, nil
}

// DeleteOldRecords removes every record stamped strictly before before and
// returns how many were removed.
func (s *Service) DeleteOldRecords(ctx context.Context, before string) (int64, error) {
	if before == "" {
		return 0, ErrMissingBoundary
	}
	n, err := s.store.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("deleting records before %s: %w", before, err)
	}
	s.logger.Info("deleted old records", "before", before, "deleted", n)
	return n, nil
}

// GetSettings returns the stored settings with defaults filled in.
func (s *Service) GetSettings(ctx context.Context) (settings.Settings, error) {
	st, err := s.settings.Load(ctx)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	return st, nil
}

// SaveSettings persists st and applies it to the running aggregator.
func (s *Service) SaveSettings(ctx context.Context, st settings.Settings) error {
	if err := s.settings.Save(ctx, st); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// ExportRecords returns the records matching filter as an indented JSON array.
func (s *Service) ExportRecords(ctx context.Context, filter store.SearchFilter) (string, error) {
	recs, err := s.GetRecords(ctx, filter)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding records: %w", err)
	}
	return string(data), nil
}
