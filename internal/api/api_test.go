package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakAl/arkinput/internal/analytics"
	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/commands"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/testutil"
)

const testToken = "test-token-12345"

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	server  *Server
	handler http.Handler
	store   *store.SQLiteStore
	agg     *capture.Aggregator
	win     *testutil.Window
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	win := testutil.NewWindow("Editor")
	agg := capture.NewAggregator(capture.Options{Windows: win, Sink: s})
	gw := settings.NewGateway(s, agg, nil)

	cfg := config.DefaultConfig()
	cfg.Auth.Token = testToken

	srv := NewServer(cfg, commands.New(s, gw, nil), s, nil)
	srv.SetCapture(agg)
	srv.now = func() time.Time { return day.Add(12 * time.Hour) }
	t.Cleanup(srv.Close)

	return &fixture{server: srv, handler: srv.Handler(), store: s, agg: agg, win: win}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	testutil.Seed(t, f.store,
		testutil.NewRecord().WithApp("Browser").WithContent("github.com").At(day.Add(9*time.Hour)).Build(),
		testutil.NewRecord().WithApp("Editor").WithContent("func main").At(day.Add(10*time.Hour)).Build(),
		testutil.NewRecord().WithApp("Editor").WithContent("return 100%").At(day.Add(11*time.Hour)).Build(),
	)
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name           string
		path           string
		authHeader     string
		wantStatus     int
		wantBodySubstr string
	}{
		{"token in URL rejected", "/api/apps?token=" + testToken, "", http.StatusBadRequest, "Token in URL is not allowed"},
		{"token in URL rejected with header", "/api/apps?token=" + testToken, "Bearer " + testToken, http.StatusBadRequest, "Token in URL is not allowed"},
		{"valid header", "/api/apps", "Bearer " + testToken, http.StatusOK, ""},
		{"missing auth", "/api/apps", "", http.StatusUnauthorized, `"error":"Unauthorized"`},
		{"wrong token", "/api/apps", "Bearer wrong-token", http.StatusUnauthorized, "Unauthorized"},
		{"health needs no auth", "/api/health", "", http.StatusOK, `"status"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantBodySubstr)
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		})
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/records", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/records", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestListRecords(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantTotal string
		wantFirst string
	}{
		{"all", "", 3, "3", "return 100%"},
		{"by app", "?app=Editor", 2, "2", "return 100%"},
		{"paged", "?limit=1&offset=1", 1, "3", "func main"},
		{"search literal percent", "?q=100%25", 1, "1", "return 100%"},
		{"time window", "?start=2024-03-01T09:30:00Z&end=2024-03-01T10:30:00Z", 1, "1", "func main"},
		{"no match", "?app=Nothing", 0, "0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/api/records"+tt.query, "")
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.wantTotal, rr.Header().Get("X-Total-Count"))

			recs := decode[[]store.InputRecord](t, rr)
			require.Len(t, recs, tt.wantCount)
			if tt.wantFirst != "" {
				assert.Equal(t, tt.wantFirst, recs[0].Content)
			}
		})
	}

	for _, bad := range []string{"?limit=abc", "?limit=-1", "?offset=x", "?limit=1001"} {
		rr := f.do(t, http.MethodGet, "/api/records"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
		assert.Contains(t, rr.Body.String(), `"error"`)
	}
}

func TestDeleteRecords(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rr := f.do(t, http.MethodDelete, "/api/records", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/records?before=2024-03-01+10:00:00", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decode[DeleteResponse](t, rr).Deleted)

	rr = f.do(t, http.MethodGet, "/api/records", "")
	assert.Equal(t, "2", rr.Header().Get("X-Total-Count"))
}

func TestStatsRoutes(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rr := f.do(t, http.MethodGet, "/api/stats/2024-03-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[store.DailyStats](t, rr)
	assert.EqualValues(t, 3, stats.TotalRecords)
	require.Len(t, stats.AppStats, 2)
	assert.Equal(t, "Editor", stats.AppStats[0].AppName)

	rr = f.do(t, http.MethodGet, "/api/stats/yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/stats/today", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, time.Now().UTC().Format(store.DateLayout), decode[store.DailyStats](t, rr).Date)

	rr = f.do(t, http.MethodGet, "/api/apps", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"Browser", "Editor"}, decode[[]string](t, rr))
}

func TestSettingsRoutes(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, settings.Defaults(), decode[settings.Settings](t, rr))

	rr = f.do(t, http.MethodPut, "/api/settings", `{"excluded_apps":["Editor"],"merge_interval_ms":800,"auto_start":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	saved := decode[settings.Settings](t, rr)
	assert.Equal(t, []string{"Editor"}, saved.ExcludedApps)
	assert.Equal(t, 800*time.Millisecond, f.agg.MergeInterval())

	f.agg.HandleEvent(context.Background(), capture.KeyEvent{Type: capture.Press, Key: capture.KeyA})
	assert.EqualValues(t, 1, f.agg.Stats().Dropped, "excluded immediately")

	tests := map[string]string{
		"zero interval": `{"excluded_apps":[],"merge_interval_ms":0}`,
		"unknown field": `{"merge_interval_ms":500,"theme":"dark"}`,
		"not json":      `nope`,
	}
	for name, body := range tests {
		rr := f.do(t, http.MethodPut, "/api/settings", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestAnalyticsRoutes(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rr := f.do(t, http.MethodGet, "/api/analytics/daily?start=2024-02-28&end=2024-03-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	days := decode[[]analytics.DayTotal](t, rr)
	require.Len(t, days, 3)
	assert.EqualValues(t, 3, days[2].RecordCount)

	rr = f.do(t, http.MethodGet, "/api/analytics/daily", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]analytics.DayTotal](t, rr), 7, "defaults to the last seven days")

	rr = f.do(t, http.MethodGet, "/api/analytics/hourly?date=2024-03-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	hours := decode[[]analytics.HourBucket](t, rr)
	require.Len(t, hours, 24)
	assert.EqualValues(t, 1, hours[9].RecordCount)

	rr = f.do(t, http.MethodGet, "/api/analytics/apps?start=2024-03-01&end=2024-03-01&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	apps := decode[[]analytics.AppTotal](t, rr)
	require.Len(t, apps, 1)
	assert.Equal(t, "Editor", apps[0].AppName)

	rr = f.do(t, http.MethodGet, "/api/analytics/summary?start=2024-03-01&end=2024-03-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 3, decode[analytics.Summary](t, rr).TotalRecords)

	rr = f.do(t, http.MethodGet, "/api/analytics/daily?start=2024-03-05&end=2024-03-01", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, "/api/analytics/hourly?date=March", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFlushAndHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ev := range testutil.Type("hi") {
		f.agg.HandleEvent(ctx, ev)
	}

	rr := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	health := decode[HealthResponse](t, rr)
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Capture)
	assert.True(t, health.Capture.Pending)
	assert.Equal(t, "Editor", health.Capture.PendingApp)
	assert.Zero(t, health.TotalRecords)

	rr = f.do(t, http.MethodPost, "/api/flush", "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[CaptureStats](t, rr)
	assert.EqualValues(t, 1, stats.Committed)
	assert.False(t, stats.Pending)

	rr = f.do(t, http.MethodGet, "/api/health", "")
	health = decode[HealthResponse](t, rr)
	assert.EqualValues(t, 1, health.TotalRecords)
	assert.Positive(t, health.DBSizeBytes)
}

func TestFlush_NoCapture(t *testing.T) {
	f := newFixture(t)
	f.server.SetCapture(nil)

	rr := f.do(t, http.MethodPost, "/api/flush", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	f := newFixture(t)

	limited := 0
	for i := 0; i < 20; i++ {
		rr := f.do(t, http.MethodDelete, "/api/records?before=2000-01-01", "")
		if rr.Code == http.StatusTooManyRequests {
			limited++
			assert.Equal(t, "1", rr.Header().Get("Retry-After"))
		}
	}
	assert.Positive(t, limited)

	// reads are not limited
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/apps", "").Code)
	}
}
