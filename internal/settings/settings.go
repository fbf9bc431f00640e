// Package settings persists the user-editable capture preferences and pushes
// them into the running aggregator.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Keys in the settings table.
const (
	KeyExcludedApps    = "excluded_apps"
	KeyMergeIntervalMs = "merge_interval_ms"
	KeyAutoStart       = "auto_start"
)

// DefaultMergeIntervalMs is used when no valid merge interval is stored.
const DefaultMergeIntervalMs = 500

// ErrInvalidSettings is returned by Save for values that cannot be applied.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the user preferences kept in the database.
type Settings struct {
	ExcludedApps    []string `json:"excluded_apps"`
	MergeIntervalMs int64    `json:"merge_interval_ms"`
	AutoStart       bool     `json:"auto_start"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{
		ExcludedApps:    []string{},
		MergeIntervalMs: DefaultMergeIntervalMs,
		AutoStart:       false,
	}
}

// MergeInterval returns the merge interval as a duration.
func (s Settings) MergeInterval() time.Duration {
	return time.Duration(s.MergeIntervalMs) * time.Millisecond
}

// Store is the part of store.Store the gateway needs.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Target receives settings that take effect immediately.
// capture.Aggregator satisfies it.
type Target interface {
	SetExcludedApps(apps []string)
	SetMergeInterval(d time.Duration)
}

// Gateway loads and saves Settings.
type Gateway struct {
	store    Store
	target   Target
	logger   *slog.Logger
	onChange func(Settings)
}

// NewGateway creates a gateway. target may be nil when no aggregator runs
// (for example in one-shot CLI commands).
func NewGateway(s Store, target Target, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: s, target: target, logger: logger}
}

// OnChange registers a callback run after every successful Save.
func (g *Gateway) OnChange(fn func(Settings)) {
	g.onChange = fn
}

// Load reads all settings. A missing or malformed value falls back to its
// default on its own; only store failures are returned.
func (g *Gateway) Load(ctx context.Context) (Settings, error) {
	s := Defaults()

	raw, found, err := g.store.GetSetting(ctx, KeyExcludedApps)
	if err != nil {
		return s, fmt.Errorf("loading settings: %w", err)
	}
	if found {
		var apps []string
		if err := json.Unmarshal([]byte(raw), &apps); err != nil || apps == nil {
			g.logger.Warn("ignoring malformed setting", "key", KeyExcludedApps, "value", raw)
		} else {
			s.ExcludedApps = apps
		}
	}

	raw, found, err = g.store.GetSetting(ctx, KeyMergeIntervalMs)
	if err != nil {
		return s, fmt.Errorf("loading settings: %w", err)
	}
	if found {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			g.logger.Warn("ignoring malformed setting", "key", KeyMergeIntervalMs, "value", raw)
		} else {
			s.MergeIntervalMs = ms
		}
	}

	raw, found, err = g.store.GetSetting(ctx, KeyAutoStart)
	if err != nil {
		return s, fmt.Errorf("loading settings: %w", err)
	}
	if found {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			g.logger.Warn("ignoring malformed setting", "key", KeyAutoStart, "value", raw)
		} else {
			s.AutoStart = b
		}
	}

	return s, nil
}

// Save writes all three settings and then applies them to the target.
func (g *Gateway) Save(ctx context.Context, s Settings) error {
	if s.MergeIntervalMs <= 0 {
		return fmt.Errorf("%w: merge_interval_ms must be positive, got %d", ErrInvalidSettings, s.MergeIntervalMs)
	}
	if s.ExcludedApps == nil {
		s.ExcludedApps = []string{}
	}

	apps, err := json.Marshal(s.ExcludedApps)
	if err != nil {
		return fmt.Errorf("encoding excluded apps: %w", err)
	}

	if err := g.store.SetSetting(ctx, KeyExcludedApps, string(apps)); err != nil {
		return err
	}
	if err := g.store.SetSetting(ctx, KeyMergeIntervalMs, strconv.FormatInt(s.MergeIntervalMs, 10)); err != nil {
		return err
	}
	if err := g.store.SetSetting(ctx, KeyAutoStart, strconv.FormatBool(s.AutoStart)); err != nil {
		return err
	}

	g.apply(s)
	g.logger.Info("settings saved", "excluded_apps", len(s.ExcludedApps), "merge_interval_ms", s.MergeIntervalMs, "auto_start", s.AutoStart)

	if g.onChange != nil {
		g.onChange(s)
	}
	return nil
}

// Apply loads the stored settings and pushes them to the target.
// It is called once at startup.
func (g *Gateway) Apply(ctx context.Context) (Settings, error) {
	s, err := g.Load(ctx)
	if err != nil {
		return s, err
	}
	g.apply(s)
	return s, nil
}

func (g *Gateway) apply(s Settings) {
	if g.target == nil {
		return
	}
	g.target.SetExcludedApps(s.ExcludedApps)
	g.target.SetMergeInterval(s.MergeInterval())
}
