package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/HakAl/arkinput/internal/api"
	"github.com/HakAl/arkinput/internal/commands"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/logging"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
)

// openService loads the config and opens the record store for a one-shot
// command. No aggregator runs, so saved settings only reach the database.
func openService(configPath string, stderr io.Writer) (*commands.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, &ActionableError{What: "Failed to load config", Cause: err, Fix: configLoadFix(configPath)}
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configuring logging: %w", err)
	}

	s, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc := commands.New(s, settings.NewGateway(s, nil, logger), logger)
	return svc, func() { s.Close() }, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Persistence.DBPath, &cfg.Retention, logger)
	switch {
	case err == nil:
		return s, nil
	case isDBLocked(err):
		return nil, &ActionableError{What: "Database is locked", Cause: err, Fix: dbLockedFix(cfg.Persistence.DBPath)}
	default:
		return nil, &ActionableError{What: "Failed to open database", Cause: err, Fix: dbPathFix(cfg.Persistence.DBPath)}
	}
}

func exportCmd(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("export", stderr)
	format := fs.String("format", "json", "Output format: json, ndjson or csv")
	app := fs.String("app", "", "Only records from this application")
	query := fs.String("query", "", "Only records whose content contains this text")
	since := fs.String("since", "", "Inclusive lower timestamp bound")
	until := fs.String("until", "", "Inclusive upper timestamp bound")
	limit := fs.Int("limit", api.MaxExportRows, "Maximum number of records")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	f, err := api.ParseExportFormat(*format)
	if err != nil {
		return err
	}

	svc, closeFn, err := openService(*configPath, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	filter := store.SearchFilter{
		Query:     optional(*query),
		AppName:   optional(*app),
		StartDate: optional(*since),
		EndDate:   optional(*until),
		Limit:     *limit,
	}
	ctx := context.Background()

	if f == api.FormatJSON {
		body, err := svc.ExportRecords(ctx, filter)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, body)
		return err
	}
	recs, err := svc.GetRecords(ctx, filter)
	if err != nil {
		return err
	}
	return api.WriteRecords(stdout, api.NewExporter(f), recs)
}

func statsCmd(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("stats", stderr)
	date := fs.String("date", "", "Day to summarize as YYYY-MM-DD (default today, UTC)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	svc, closeFn, err := openService(*configPath, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	var stats *store.DailyStats
	if *date == "" {
		stats, err = svc.GetTodayStats(context.Background())
	} else {
		stats, err = svc.GetStatsForDate(context.Background(), *date)
	}
	if err != nil {
		return err
	}
	return writeJSON(stdout, stats)
}

func appsCmd(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("apps", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	svc, closeFn, err := openService(*configPath, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	apps, err := svc.GetAppList(context.Background())
	if err != nil {
		return err
	}
	for _, app := range apps {
		fmt.Fprintln(stdout, app)
	}
	return nil
}

func pruneCmd(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("prune", stderr)
	before := fs.String("before", "", "Delete records strictly older than this timestamp (required)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *before == "" {
		fmt.Fprintln(stderr, "prune: -before is required")
		fs.Usage()
		return errUsage
	}

	svc, closeFn, err := openService(*configPath, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := svc.DeleteOldRecords(context.Background(), *before)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %d records\n", n)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
