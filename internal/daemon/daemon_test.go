package daemon

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/keysource"
	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/testutil"
)

func newTestDaemon(t *testing.T, source capture.KeySource, apiEnabled bool) (*Daemon, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	cfg.API.Enabled = apiEnabled
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Auth.Token = "test-token"

	d, err := New(Options{
		Config:  cfg,
		Store:   s,
		Source:  source,
		Windows: testutil.NewWindow("Terminal"),
	})
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d, s
}

func countRecords(t *testing.T, s store.Store) int {
	t.Helper()
	n, err := s.CountRecords(context.Background(), store.SearchFilter{})
	require.NoError(t, err)
	return n
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Config: config.DefaultConfig()})
	assert.Error(t, err)
}

func TestDaemon_FiniteSourceIsCommitted(t *testing.T) {
	src := keysource.NewJSONLines(bytes.NewReader(testutil.JSONLines(testutil.Type("hi"))), nil)
	d, s := newTestDaemon(t, src, false)

	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return countRecords(t, s) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	recs, err := s.QueryRecords(context.Background(), store.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hi", recs[0].Content)
	assert.Equal(t, "Terminal", recs[0].AppName)
	assert.Equal(t, 2, recs[0].KeyCount)
}

func TestDaemon_StopFlushesPendingSession(t *testing.T) {
	typed := make(chan struct{})
	src := capture.KeySourceFunc(func(ctx context.Context, emit func(capture.KeyEvent)) error {
		for _, ev := range testutil.Type("ok") {
			emit(ev)
		}
		close(typed)
		<-ctx.Done()
		return nil
	})
	d, s := newTestDaemon(t, src, false)
	require.NoError(t, d.Start(context.Background()))

	<-typed
	d.Stop()
	d.Stop()

	assert.Equal(t, 1, countRecords(t, s))
	assert.False(t, d.Aggregator().Stats().Pending)
}

func TestDaemon_SourceFailureIsReported(t *testing.T) {
	boom := errors.New("device unplugged")
	src := capture.KeySourceFunc(func(context.Context, func(capture.KeyEvent)) error {
		return boom
	})
	d, _ := newTestDaemon(t, src, false)
	require.NoError(t, d.Start(context.Background()))

	select {
	case err := <-d.Err():
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("source error was not reported")
	}
}

func TestDaemon_ServesAPI(t *testing.T) {
	d, _ := newTestDaemon(t, nil, true)
	require.NoError(t, d.Start(context.Background()))
	require.NotEmpty(t, d.Addr())

	resp, err := http.Get("http://" + d.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, "http://"+d.Addr()+"/api/records", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	d.Stop()
	_, err = http.Get("http://" + d.Addr() + "/api/health")
	assert.Error(t, err, "listener closed after Stop")
}

func TestDaemon_APIDisabled(t *testing.T) {
	d, _ := newTestDaemon(t, nil, false)
	require.NoError(t, d.Start(context.Background()))
	assert.Empty(t, d.Addr())
}

func TestDaemon_StopBeforeStart(t *testing.T) {
	d, _ := newTestDaemon(t, nil, false)
	d.Stop()
}

func TestDaemon_AppliesStoredSettings(t *testing.T) {
	d, s := newTestDaemon(t, nil, false)
	require.NoError(t, s.SetSetting(context.Background(), "merge_interval_ms", "1500"))

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, 1500*time.Millisecond, d.Aggregator().MergeInterval())
}

func TestDaemon_ApplyConfigUpdatesRetention(t *testing.T) {
	d, s := newTestDaemon(t, nil, false)
	testutil.Seed(t, s,
		testutil.NewRecord().WithContent("old").At(time.Now().UTC().AddDate(0, 0, -10)).Build(),
		testutil.NewRecord().WithContent("new").At(time.Now().UTC().Add(-time.Minute)).Build(),
	)

	cfg := config.DefaultConfig()
	cfg.Retention.RecordsTTLDays = 3
	d.ApplyConfig(cfg)

	deleted, err := s.RunRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, countRecords(t, s))
}
