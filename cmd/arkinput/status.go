package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HakAl/arkinput/internal/api"
)

// StateReader reads daemon state.
type StateReader interface {
	Read() (*ServerState, error)
}

// StateWriter writes daemon state.
type StateWriter interface {
	Write(state ServerState) error
	Delete() error
}

// HealthChecker asks a running daemon how it is doing.
type HealthChecker interface {
	Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error)
}

// StatusCommand reports on the running daemon with injected dependencies.
type StatusCommand struct {
	stateReader   StateReader
	healthChecker HealthChecker
	stdout        io.Writer
	stderr        io.Writer
}

// NewStatusCommand creates a StatusCommand with production dependencies.
func NewStatusCommand(stdout, stderr io.Writer) (*StatusCommand, error) {
	stateStore, err := NewFileStateStore()
	if err != nil {
		return nil, err
	}
	return &StatusCommand{
		stateReader:   stateStore,
		healthChecker: &HTTPHealthChecker{client: &http.Client{Timeout: 2 * time.Second}},
		stdout:        stdout,
		stderr:        stderr,
	}, nil
}

// Execute prints the daemon status and returns the exit code.
func (c *StatusCommand) Execute(ctx context.Context) int {
	state, err := c.stateReader.Read()
	if err != nil {
		if errors.Is(err, ErrServerNotRunning) {
			fmt.Fprintln(c.stderr, "arkinput is not running.")
			fmt.Fprintln(c.stderr, "\nStart it with:")
			fmt.Fprintln(c.stderr, "    arkinput serve")
		} else {
			fmt.Fprintln(c.stderr, "Error:", err)
		}
		return 1
	}

	fmt.Fprintf(c.stdout, "PID:      %d\n", state.PID)
	fmt.Fprintf(c.stdout, "Version:  %s\n", state.Version)
	fmt.Fprintf(c.stdout, "Started:  %s\n", state.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(c.stdout, "Source:   %s\n", state.Source)
	fmt.Fprintf(c.stdout, "DB:       %s\n", state.DBPath)

	if state.APIAddr == "" {
		fmt.Fprintln(c.stdout, "API:      disabled")
		return 0
	}
	fmt.Fprintf(c.stdout, "API:      http://%s\n", state.APIAddr)

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := c.healthChecker.Check(healthCtx, state.APIAddr)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error: arkinput is not responding.")
		fmt.Fprintln(c.stderr, "\nThe state file exists but the daemon may have crashed.")
		fmt.Fprintln(c.stderr, "Restart it and try again.")
		return 1
	}

	fmt.Fprintf(c.stdout, "Status:   %s\n", health.Status)
	fmt.Fprintf(c.stdout, "Uptime:   %s\n", health.Uptime)
	fmt.Fprintf(c.stdout, "Records:  %d\n", health.TotalRecords)
	if health.Capture != nil {
		fmt.Fprintf(c.stdout, "Captured: %d committed, %d failed, %d dropped\n",
			health.Capture.Committed, health.Capture.Failed, health.Capture.Dropped)
	}
	if health.Warning != "" {
		fmt.Fprintf(c.stdout, "Warning:  %s\n", health.Warning)
	}
	if health.Status == "error" {
		return 1
	}
	return 0
}

func handleStatusCommand(args []string, stdout, stderr io.Writer) int {
	fs, _ := newFlagSet("status", stderr)
	if err := parseFlags(fs, args); err != nil {
		return reportError(stderr, err)
	}
	cmd, err := NewStatusCommand(stdout, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	return cmd.Execute(context.Background())
}

// HTTPHealthChecker checks daemon health via HTTP.
type HTTPHealthChecker struct {
	client *http.Client
}

// Check fetches and decodes the health endpoint.
func (h *HTTPHealthChecker) Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+apiAddr+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}
