package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/HakAl/arkinput/internal/capture"
)

// UnknownApp is reported when the focused application cannot be named.
const UnknownApp = "Unknown"

// lookupTimeout bounds one external window query.
const lookupTimeout = 500 * time.Millisecond

// runner executes a command and returns its stdout.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NewWindowProvider returns the provider for p, wrapped in a cache of ttl.
func NewWindowProvider(p *Platform, ttl time.Duration, logger *slog.Logger) capture.WindowProvider {
	if logger == nil {
		logger = slog.Default()
	}

	var inner capture.WindowProvider
	switch {
	case p.DisplayServer == DisplayServerHyprland && p.HasHyprctl:
		inner = &Hyprland{run: execRunner, logger: logger}
	case p.DisplayServer == DisplayServerX11 && p.HasXdotool:
		inner = &X11{run: execRunner, procRoot: "/proc", logger: logger}
	case p.DisplayServer == DisplayServerMacOS && p.HasOsascript:
		inner = &MacOS{run: execRunner, logger: logger}
	default:
		logger.Warn("no window inspector for this platform, all input is attributed to "+UnknownApp,
			"platform", p.String())
		inner = Static{}
	}
	return capture.NewCachedWindowProvider(inner, ttl)
}

// Static reports every key as typed into UnknownApp with no title.
type Static struct{}

// ActiveWindow implements capture.WindowProvider.
func (Static) ActiveWindow(context.Context) (capture.WindowContext, bool) {
	return capture.WindowContext{AppName: UnknownApp}, true
}

// hyprlandWindow is the subset of `hyprctl activewindow -j` we use.
type hyprlandWindow struct {
	Class string `json:"class"`
	Title string `json:"title"`
	PID   int    `json:"pid"`
}

// Hyprland queries hyprctl for the focused window.
type Hyprland struct {
	run    runner
	logger *slog.Logger
}

// ActiveWindow implements capture.WindowProvider.
func (h *Hyprland) ActiveWindow(ctx context.Context) (capture.WindowContext, bool) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	out, err := h.run(ctx, "hyprctl", "activewindow", "-j")
	if err != nil {
		h.logger.Debug("hyprctl failed", "error", err)
		return capture.WindowContext{}, false
	}
	win, err := parseHyprland(out)
	if err != nil {
		h.logger.Debug("parsing hyprctl output", "error", err)
		return capture.WindowContext{}, false
	}
	return win, win.AppName != ""
}

func parseHyprland(out []byte) (capture.WindowContext, error) {
	// hyprctl prints "Invalid" rather than JSON when nothing is focused.
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		return capture.WindowContext{}, nil
	}
	var w hyprlandWindow
	if err := json.Unmarshal(out, &w); err != nil {
		return capture.WindowContext{}, fmt.Errorf("decoding hyprctl output: %w", err)
	}
	return capture.WindowContext{AppName: w.Class, WindowTitle: optional(w.Title)}, nil
}

// X11 queries xdotool for the focused window and names the application by
// its process command name.
type X11 struct {
	run      runner
	procRoot string
	logger   *slog.Logger
}

// ActiveWindow implements capture.WindowProvider.
func (x *X11) ActiveWindow(ctx context.Context) (capture.WindowContext, bool) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	title, err := x.run(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		x.logger.Debug("xdotool getwindowname failed", "error", err)
		return capture.WindowContext{}, false
	}

	app := UnknownApp
	if pidOut, err := x.run(ctx, "xdotool", "getactivewindow", "getwindowpid"); err == nil {
		if name, ok := x.processName(strings.TrimSpace(string(pidOut))); ok {
			app = name
		}
	}

	return capture.WindowContext{
		AppName:     app,
		WindowTitle: optional(strings.TrimSpace(string(title))),
	}, true
}

func (x *X11) processName(pid string) (string, bool) {
	if _, err := strconv.Atoi(pid); err != nil {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(x.procRoot, pid, "comm"))
	if err != nil {
		return "", false
	}
	name := strings.TrimSpace(string(data))
	return name, name != ""
}

const frontmostScript = `tell application "System Events"
	set frontProc to first application process whose frontmost is true
	set appName to name of frontProc
	try
		set winTitle to name of front window of frontProc
	on error
		set winTitle to ""
	end try
end tell
return appName & linefeed & winTitle`

// MacOS asks System Events for the frontmost application via osascript.
// The window title needs Accessibility permission; without it only the
// application is reported.
type MacOS struct {
	run    runner
	logger *slog.Logger
}

// ActiveWindow implements capture.WindowProvider.
func (m *MacOS) ActiveWindow(ctx context.Context) (capture.WindowContext, bool) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	out, err := m.run(ctx, "osascript", "-e", frontmostScript)
	if err != nil {
		m.logger.Debug("osascript failed", "error", err)
		return capture.WindowContext{}, false
	}
	app, title, _ := strings.Cut(strings.TrimRight(string(out), "\n"), "\n")
	app = strings.TrimSpace(app)
	if app == "" {
		return capture.WindowContext{}, false
	}
	return capture.WindowContext{AppName: app, WindowTitle: optional(strings.TrimSpace(title))}, true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
