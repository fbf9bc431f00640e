// Package keysource provides the capture.KeySource implementations: a Linux
// evdev reader, a JSON-lines reader for piped hook helpers, and a no-op source.
package keysource

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/config"
)

// Open builds the source named by cfg.Source. stdin is read by the "stdin"
// source.
func Open(cfg config.CaptureConfig, stdin io.Reader, logger *slog.Logger) (capture.KeySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", cfg.Source)

	switch cfg.Source {
	case config.SourceEvdev:
		return NewEvdev(cfg.Device, logger), nil
	case config.SourceStdin:
		return NewJSONLines(stdin, logger), nil
	case config.SourceNone:
		return None(), nil
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
}

// None returns a source that emits nothing and blocks until ctx is done.
// The API and stored history stay usable without capture.
func None() capture.KeySource {
	return capture.KeySourceFunc(func(ctx context.Context, _ func(capture.KeyEvent)) error {
		<-ctx.Done()
		return nil
	})
}
