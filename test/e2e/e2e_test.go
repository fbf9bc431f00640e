// Package e2e contains end-to-end tests for arkinput.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakAl/arkinput/internal/api"
	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/daemon"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/testutil"
	"github.com/HakAl/arkinput/internal/ws"
)

const token = "test-token-123"

// keyboard is a key source the test types into. type_ returns once the
// aggregator has seen every event.
type keyboard struct {
	feed chan []capture.KeyEvent
	ack  chan struct{}
}

func newKeyboard() *keyboard {
	return &keyboard{feed: make(chan []capture.KeyEvent), ack: make(chan struct{})}
}

func (k *keyboard) Stream(ctx context.Context, emit func(capture.KeyEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-k.feed:
			for _, ev := range batch {
				emit(ev)
			}
			k.ack <- struct{}{}
		}
	}
}

func (k *keyboard) typeText(t *testing.T, text string) {
	t.Helper()
	select {
	case k.feed <- testutil.Type(text):
	case <-time.After(2 * time.Second):
		t.Fatal("key source is not reading")
	}
	<-k.ack
}

type env struct {
	daemon *daemon.Daemon
	keys   *keyboard
	win    *testutil.Window
	base   string
}

func start(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Capture.Source = config.SourceNone
	cfg.Persistence.DBPath = filepath.Join(dir, "arkinput.db")
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Auth.Token = token
	if mutate != nil {
		mutate(cfg)
	}

	s, err := store.NewSQLiteStore(cfg.Persistence.DBPath, &cfg.Retention, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	keys := newKeyboard()
	win := testutil.NewWindow("Editor")
	d, err := daemon.New(daemon.Options{Config: cfg, Store: s, Source: keys, Windows: win})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	return &env{daemon: d, keys: keys, win: win, base: "http://" + d.Addr()}
}

func (e *env) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.base+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON[T any](t *testing.T, e *env, path string) T {
	t.Helper()
	resp := e.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, path)
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *env) flush(t *testing.T) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/flush", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestE2E_TypingToAPI types into two apps and reads the sessions back over HTTP.
func TestE2E_TypingToAPI(t *testing.T) {
	e := start(t, nil)

	e.keys.typeText(t, "Hello, World!")
	e.win.Focus("Browser")
	e.keys.typeText(t, "news\n")
	e.flush(t)

	recs := getJSON[[]store.InputRecord](t, e, "/api/records")
	require.Len(t, recs, 2)
	assert.Equal(t, "Browser", recs[0].AppName)
	assert.Equal(t, "news[Enter]", recs[0].Content)
	assert.Equal(t, "Editor", recs[1].AppName)
	assert.Equal(t, "Hello, World!", recs[1].Content)
	assert.Equal(t, 13, recs[1].KeyCount)

	filtered := getJSON[[]store.InputRecord](t, e, "/api/records?app=Editor&q=World")
	require.Len(t, filtered, 1)

	apps := getJSON[[]string](t, e, "/api/apps")
	assert.Equal(t, []string{"Browser", "Editor"}, apps)

	stats := getJSON[store.DailyStats](t, e, "/api/stats/today")
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.Equal(t, int64(18), stats.TotalKeys)

	health := getJSON[api.HealthResponse](t, e, "/api/health")
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Capture)
	assert.Equal(t, uint64(2), health.Capture.Committed)
}

// TestE2E_IdleFlush relies on the scheduler alone to close a session.
func TestE2E_IdleFlush(t *testing.T) {
	e := start(t, nil)

	resp := e.do(t, http.MethodPut, "/api/settings", `{"excluded_apps":[],"merge_interval_ms":50,"auto_start":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	e.keys.typeText(t, "quick")
	require.Eventually(t, func() bool {
		recs := getJSON[[]store.InputRecord](t, e, "/api/records")
		return len(recs) == 1 && recs[0].Content == "quick"
	}, 3*time.Second, 25*time.Millisecond)
}

// TestE2E_ExcludedApps saves settings over HTTP and checks they take effect live.
func TestE2E_ExcludedApps(t *testing.T) {
	e := start(t, nil)

	resp := e.do(t, http.MethodPut, "/api/settings", `{"excluded_apps":["passwords"],"merge_interval_ms":500,"auto_start":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := getJSON[settings.Settings](t, e, "/api/settings")
	assert.Equal(t, []string{"passwords"}, got.ExcludedApps)
	assert.True(t, got.AutoStart)

	e.win.Focus("Passwords")
	e.keys.typeText(t, "hunter2")
	e.win.Focus("Editor")
	e.keys.typeText(t, "ok")
	e.flush(t)

	recs := getJSON[[]store.InputRecord](t, e, "/api/records")
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Content)

	health := getJSON[api.HealthResponse](t, e, "/api/health")
	assert.Equal(t, uint64(7), health.Capture.Dropped)
}

// TestE2E_Redaction stores secrets already scrubbed.
func TestE2E_Redaction(t *testing.T) {
	e := start(t, func(cfg *config.Config) {
		cfg.Redaction.RedactSecrets = true
	})

	e.keys.typeText(t, "export TOKEN=sk-abcdefghijklmnopqrstuvwxyz")
	e.flush(t)

	recs := getJSON[[]store.InputRecord](t, e, "/api/records")
	require.Len(t, recs, 1)
	assert.Equal(t, "export TOKEN=sk-[REDACTED]", recs[0].Content)
	assert.NotContains(t, recs[0].Content, "abcdefghij")
}

// TestE2E_WebSocket receives committed sessions live.
func TestE2E_WebSocket(t *testing.T) {
	e := start(t, nil)

	wsURL := "ws://" + e.daemon.Addr() + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return e.daemon.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	e.keys.typeText(t, "live")
	e.flush(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Type string            `json:"type"`
			Data store.InputRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != ws.MessageTypeRecordCommitted {
			continue
		}
		assert.Equal(t, "live", msg.Data.Content)
		assert.Equal(t, "Editor", msg.Data.AppName)
		return
	}
}

// TestE2E_Auth checks that the API refuses unauthenticated callers.
func TestE2E_Auth(t *testing.T) {
	e := start(t, nil)

	resp, err := http.Get(e.base + "/api/records")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(e.base + "/api/records?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tokens in the URL are refused")

	resp, err = http.Get(e.base + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestE2E_DeleteAndExport prunes over HTTP and exports the rest.
func TestE2E_DeleteAndExport(t *testing.T) {
	e := start(t, nil)

	e.keys.typeText(t, "first")
	e.flush(t)
	cutoff := time.Now().UTC().Add(time.Second).Format(time.RFC3339)

	resp := e.do(t, http.MethodDelete, "/api/records?before="+cutoff, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var del api.DeleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&del))
	assert.Equal(t, int64(1), del.Deleted)

	resp = e.do(t, http.MethodGet, "/api/export?format=ndjson", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(body)))
}
