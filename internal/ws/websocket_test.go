package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			Token: "test-token",
		},
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(testConfig(), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestNewHub(t *testing.T) {
	hub := NewHub(testConfig(), nil)

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map not initialized")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}

func TestBroadcast_NoClients(t *testing.T) {
	hub, _ := startHub(t)

	// Should not block or panic with nobody listening.
	hub.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	hub.BroadcastRecordCommitted(&store.InputRecord{ID: 1, AppName: "Editor", Content: "hi", KeyCount: 2})
	hub.BroadcastSettingsUpdated(settings.Defaults())
}

// TestConcurrentBroadcast verifies no race condition when broadcasting
// while clients connect/disconnect.
func TestConcurrentBroadcast(t *testing.T) {
	hub, _ := startHub(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			hub.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			client := &Client{hub: hub, send: make(chan []byte, sendBuffer)}
			hub.register <- client
			time.Sleep(time.Microsecond)
			hub.unregister <- client
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("test timed out - possible deadlock")
	}
}

// TestSlowClientRemoval verifies that slow clients are removed
// without blocking the broadcast to other clients.
func TestSlowClientRemoval(t *testing.T) {
	hub, _ := startHub(t)

	slow := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	for i := 0; i < 10; i++ {
		hub.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	}
	time.Sleep(50 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("slow client should have been removed, got %d clients", hub.ClientCount())
	}
}

// TestGracefulShutdown verifies hub cleans up on context cancellation.
func TestGracefulShutdown(t *testing.T) {
	hub := NewHub(testConfig(), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = &Client{hub: hub, send: make(chan []byte, sendBuffer)}
		hub.register <- clients[i]
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not exit on context cancellation")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}
	for i, c := range clients {
		if _, ok := <-c.send; ok {
			t.Errorf("client %d send channel still open", i)
		}
	}
}

func TestPingTicker(t *testing.T) {
	hub := NewHub(testConfig(), slog.Default())
	hub.pingInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, sendBuffer)}
	hub.register <- client

	select {
	case data := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, MessageTypePing, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_Auth(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	tests := []struct {
		name       string
		url        string
		header     http.Header
		wantStatus int
	}{
		{"no token", wsURL(srv), nil, http.StatusUnauthorized},
		{"wrong header", wsURL(srv), http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"foreign origin", wsURL(srv) + "?token=test-token", http.Header{"Origin": {"https://evil.example"}}, http.StatusForbidden},
		{"header", wsURL(srv), http.Header{"Authorization": {"Bearer test-token"}}, http.StatusSwitchingProtocols},
		{"query token", wsURL(srv) + "?token=test-token", nil, http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusSwitchingProtocols {
				require.NoError(t, err)
				conn.Close()
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestHandler_ReceivesCommittedRecord(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=test-token", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	title := "notes.txt"
	hub.BroadcastRecordCommitted(&store.InputRecord{
		ID:          7,
		Timestamp:   time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC),
		AppName:     "Editor",
		WindowTitle: &title,
		Content:     "hello",
		KeyCount:    5,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string            `json:"type"`
		Data store.InputRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeRecordCommitted, msg.Type)
	assert.EqualValues(t, 7, msg.Data.ID)
	assert.Equal(t, "hello", msg.Data.Content)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// BenchmarkBroadcast measures broadcast performance.
func BenchmarkBroadcast(b *testing.B) {
	hub := NewHub(testConfig(), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	for i := 0; i < 10; i++ {
		client := &Client{hub: hub, send: make(chan []byte, sendBuffer)}
		hub.register <- client
		go func(c *Client) {
			for range c.send {
			}
		}(client)
	}

	msg := &Message{Type: MessageTypePing, Timestamp: time.Now()}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(msg)
	}
}
