// Package platform detects the operating system and display server and
// picks the matching active-window provider.
package platform

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// DisplayServer identifies the windowing environment.
type DisplayServer string

const (
	DisplayServerHyprland DisplayServer = "hyprland"
	DisplayServerSway     DisplayServer = "sway"
	DisplayServerWayland  DisplayServer = "wayland" // GNOME, KDE and other compositors
	DisplayServerX11      DisplayServer = "x11"
	DisplayServerMacOS    DisplayServer = "macos"
	DisplayServerWindows  DisplayServer = "windows"
	DisplayServerUnknown  DisplayServer = "unknown"
)

// Platform holds what was detected about the host.
type Platform struct {
	OS            string
	DisplayServer DisplayServer

	HasHyprctl   bool
	HasXdotool   bool
	HasOsascript bool
}

// String returns "os/display".
func (p *Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.DisplayServer)
}

// Detect inspects the running host.
func Detect() *Platform {
	return detect(runtime.GOOS, os.Getenv, commandExists)
}

func detect(goos string, getenv func(string) string, lookPath func(string) bool) *Platform {
	p := &Platform{
		OS:            goos,
		DisplayServer: detectDisplayServer(goos, getenv),
	}
	switch goos {
	case "darwin":
		p.HasOsascript = lookPath("osascript")
	case "windows":
	default:
		p.HasHyprctl = lookPath("hyprctl")
		p.HasXdotool = lookPath("xdotool")
	}
	return p
}

func detectDisplayServer(goos string, getenv func(string) string) DisplayServer {
	switch goos {
	case "darwin":
		return DisplayServerMacOS
	case "windows":
		return DisplayServerWindows
	}

	if getenv("HYPRLAND_INSTANCE_SIGNATURE") != "" {
		return DisplayServerHyprland
	}
	if getenv("SWAYSOCK") != "" {
		return DisplayServerSway
	}

	session := getenv("XDG_SESSION_TYPE")
	if session == "wayland" || getenv("WAYLAND_DISPLAY") != "" {
		return DisplayServerWayland
	}
	if session == "x11" || getenv("DISPLAY") != "" {
		return DisplayServerX11
	}
	return DisplayServerUnknown
}

func commandExists(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// IsWayland reports whether any Wayland compositor is running.
func (p *Platform) IsWayland() bool {
	switch p.DisplayServer {
	case DisplayServerHyprland, DisplayServerSway, DisplayServerWayland:
		return true
	default:
		return false
	}
}

// CanInspectWindows reports whether a real window provider is available.
// When false, NewWindowProvider falls back to the static provider.
func (p *Platform) CanInspectWindows() bool {
	switch p.DisplayServer {
	case DisplayServerHyprland:
		return p.HasHyprctl
	case DisplayServerX11:
		return p.HasXdotool
	case DisplayServerMacOS:
		return p.HasOsascript
	default:
		return false
	}
}
