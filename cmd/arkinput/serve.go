package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/daemon"
	"github.com/HakAl/arkinput/internal/keysource"
	"github.com/HakAl/arkinput/internal/logging"
	"github.com/HakAl/arkinput/internal/platform"
)

func serve(args []string, stderr io.Writer) error {
	fs, configPath := newFlagSet("serve", stderr)
	listenAddr := fs.String("listen", "", "API listen address (overrides config)")
	source := fs.String("source", "", "Key source: evdev, stdin or none (overrides config)")
	device := fs.String("device", "", "evdev device path (overrides config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return &ActionableError{What: "Failed to load config", Cause: err, Fix: configLoadFix(*configPath)}
	}
	defer loader.Close()

	// CLI overrides
	if *listenAddr != "" {
		cfg.API.Listen = *listenAddr
	}
	if *source != "" {
		cfg.Capture.Source = *source
	}
	if *device != "" {
		cfg.Capture.Device = *device
	}

	levelVar := new(slog.LevelVar)
	logger, err := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   stderr,
		LevelVar: levelVar,
	})
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(logger)

	dataStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer dataStore.Close()
	logger.Info("database opened", "path", cfg.Persistence.DBPath)

	plat := platform.Detect()
	logger.Info("platform detected",
		"os", plat.OS,
		"display", plat.DisplayServer,
		"window_lookup", plat.CanInspectWindows(),
	)
	windows := platform.NewWindowProvider(plat, time.Duration(cfg.Capture.WindowCacheMs)*time.Millisecond, logger)

	keys, err := keysource.Open(cfg.Capture, os.Stdin, logger)
	if err != nil {
		return &ActionableError{
			What:  "Invalid key source",
			Cause: err,
			Fix:   "Set capture.source to evdev, stdin or none, or pass -source.",
		}
	}

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Store:   dataStore,
		Source:  keys,
		Windows: windows,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		if isAddrInUse(err) {
			return &ActionableError{What: "API port is in use", Cause: err, Fix: portInUseFix(cfg.API.Listen)}
		}
		return err
	}
	defer d.Stop()

	states, err := NewFileStateStore()
	if err == nil {
		err = states.Write(ServerState{
			APIAddr:   d.Addr(),
			DBPath:    cfg.Persistence.DBPath,
			Source:    cfg.Capture.Source,
			PID:       os.Getpid(),
			StartedAt: time.Now().UTC(),
			Version:   version,
		})
	}
	if err != nil {
		logger.Warn("failed to write state file", "error", err)
	} else {
		defer states.Delete()
	}

	loader.OnChange(func(c *config.Config) {
		if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
			levelVar.Set(lvl)
		}
		d.ApplyConfig(c)
		logger.Info("config reloaded", "path", loader.Path())
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	}()

	printBanner(stderr, cfg, d.Addr())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-d.Err():
		if cfg.Capture.Source == config.SourceEvdev && (isPermissionError(err) || errors.Is(err, keysource.ErrNoKeyboard)) {
			return &ActionableError{What: "Cannot read keyboard events", Cause: err, Fix: inputPermissionFix(cfg.Capture.Device)}
		}
		return err
	}

	logger.Info("arkinput shutdown complete")
	return nil
}

func printBanner(w io.Writer, cfg *config.Config, addr string) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  Source: %s\n", cfg.Capture.Source)
	if addr != "" {
		fmt.Fprintf(w, "  API:    http://%s/api\n", addr)
		fmt.Fprintf(w, "  Live:   ws://%s/ws\n", addr)
	} else {
		fmt.Fprintf(w, "  API:    disabled\n")
	}
	fmt.Fprintf(w, "  DB:     %s\n", cfg.Persistence.DBPath)
	fmt.Fprintf(w, "\n")
}
