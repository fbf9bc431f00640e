package main

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(addr string) string {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		port = addr[idx+1:]
	}
	alt := portNum(port) + 1

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       arkinput serve -listen localhost:%d`, port, port, alt)

	case "darwin":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       arkinput serve -listen localhost:%d`, port, port, alt)

	default:
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       arkinput serve -listen localhost:%d`, port, port, port, alt)
	}
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// inputPermissionFix explains how to grant access to /dev/input.
func inputPermissionFix(device string) string {
	if device == "" {
		device = "/dev/input/event*"
	}
	return fmt.Sprintf(`Reading %s requires membership in the input group:
       sudo usermod -aG input $USER
       # log out and back in

       Or pick a device explicitly, or feed events on stdin:
       arkinput serve -device /dev/input/by-id/<keyboard>-event-kbd
       arkinput serve -source stdin`, device)
}

// dbLockedFix returns instructions for fixing database lock issues.
func dbLockedFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another arkinput instance running:
          tasklist | findstr arkinput
          taskkill /IM arkinput.exe /F

       2. Database viewer with file open:
          Close any SQLite browser tools

       Database: %s`, dbPath)

	default:
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another arkinput instance running:
          pgrep -f "arkinput serve"
          arkinput status

       2. Database viewer with file open:
          lsof "%s"

       Database: %s`, dbPath, dbPath)
	}
}

// dbPathFix returns instructions for fixing database path issues.
func dbPathFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       if not exist "%s" mkdir "%s"

       Or specify a different path:
       set ARKINPUT_DB_PATH=C:\Users\%%USERNAME%%\arkinput.db`, dbPath, dbPath)

	default:
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       mkdir -p "$(dirname '%s')"
       touch "%s"

       Or specify a different path:
       export ARKINPUT_DB_PATH=~/arkinput.db`, dbPath, dbPath)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file invalid. Fix or remove it:
       %APPDATA%\arkinput\config.yaml`

		default:
			return `Config file invalid. Fix or remove it:
       ~/.config/arkinput/config.yaml`
		}
	}
	return fmt.Sprintf(`Config file invalid:
       %s

       Check the file contains valid YAML (or TOML for .toml files).
       See 'arkinput serve -h' for flags that override it.`, configPath)
}

// isDBLocked checks if an error indicates a database lock.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// isPermissionError checks if an error is permission-related.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access is denied") ||
		strings.Contains(errStr, "Access is denied")
}

// isAddrInUse checks if a listen error means the port is taken.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}
