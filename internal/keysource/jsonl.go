package keysource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/HakAl/arkinput/internal/capture"
)

// maxLineSize bounds a single JSON line.
const maxLineSize = 64 * 1024

// JSONLines reads key events encoded one JSON object per line, e.g.
//
//	{"type":"press","key":"KeyA"}
//
// Blank lines and lines starting with # are ignored. It is the source used
// when a platform hook helper pipes events into the process.
type JSONLines struct {
	r      io.Reader
	logger *slog.Logger
}

// NewJSONLines creates a source over r.
func NewJSONLines(r io.Reader, logger *slog.Logger) *JSONLines {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLines{r: r, logger: logger}
}

// Stream implements capture.KeySource. It returns nil when the reader is
// exhausted or ctx is cancelled. A read blocked on r is abandoned, not
// interrupted, on cancellation.
func (j *JSONLines) Stream(ctx context.Context, emit func(capture.KeyEvent)) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(j.r)
		scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("reading key events: %w", err)
					}
				default:
				}
				return nil
			}
			lineNo++
			ev, ok, err := parseLine(line)
			if err != nil {
				j.logger.Warn("skipping malformed key event", "line", lineNo, "error", err)
				continue
			}
			if ok {
				emit(ev)
			}
		}
	}
}

// parseLine decodes one line. ok is false for blank and comment lines.
func parseLine(line []byte) (capture.KeyEvent, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return capture.KeyEvent{}, false, nil
	}

	var ev capture.KeyEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return capture.KeyEvent{}, false, err
	}
	switch ev.Type {
	case capture.Press, capture.Release:
	default:
		return capture.KeyEvent{}, false, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Key == "" {
		return capture.KeyEvent{}, false, errors.New("missing key")
	}
	return ev, true, nil
}
