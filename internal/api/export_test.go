package api

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/testutil"
)

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"ndjson", FormatNDJSON, false},
		{"csv", FormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseExportFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func sampleRecords() []*store.InputRecord {
	title := "a, \"quoted\" title"
	created := time.Date(2024, 3, 1, 9, 0, 1, 0, time.UTC)
	return []*store.InputRecord{
		{ID: 2, Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), AppName: "Editor", WindowTitle: &title, Content: "line[Enter]next", KeyCount: 15, CreatedAt: &created},
		{ID: 1, Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), AppName: "Browser", Content: "q", KeyCount: 1},
	}
}

func TestCSVExporter(t *testing.T) {
	var buf bytes.Buffer
	exp := NewExporter(FormatCSV)
	assert.Equal(t, "text/csv", exp.ContentType())
	require.NoError(t, WriteRecords(&buf, exp, sampleRecords()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "timestamp", "app_name", "window_title", "content", "key_count", "created_at"}, rows[0])
	assert.Equal(t, []string{"2", "2024-03-01T09:00:00Z", "Editor", `a, "quoted" title`, "line[Enter]next", "15", "2024-03-01T09:00:01Z"}, rows[1])
	assert.Equal(t, "", rows[2][3], "nil title is empty")
	assert.Equal(t, "", rows[2][6], "nil created_at is empty")
}

func TestNDJSONExporter(t *testing.T) {
	var buf bytes.Buffer
	exp := NewExporter(FormatNDJSON)
	assert.Equal(t, "ndjson", exp.FileExtension())
	require.NoError(t, WriteRecords(&buf, exp, sampleRecords()))

	scanner := bufio.NewScanner(&buf)
	var ids []int64
	for scanner.Scan() {
		var rec store.InputRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int64{2, 1}, ids)
}

func TestExportRoute(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rr := f.do(t, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `filename="arkinput-20240301-120000.json"`)
	assert.True(t, strings.HasPrefix(rr.Body.String(), "[\n  {\n"), "pretty printed array")
	assert.Len(t, decode[[]store.InputRecord](t, rr), 3)

	rr = f.do(t, http.MethodGet, "/api/export?format=csv&app=Editor", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	rows, err := csv.NewReader(rr.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3, "header plus two Editor rows")

	rr = f.do(t, http.MethodGet, "/api/export?format=ndjson&limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, strings.Count(rr.Body.String(), "\n"))

	rr = f.do(t, http.MethodGet, "/api/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExportRoute_LimitAbovePageSize(t *testing.T) {
	f := newFixture(t)
	recs := make([]*store.InputRecord, 0, MaxPageSize+500)
	for i := range MaxPageSize + 500 {
		recs = append(recs, testutil.NewRecord().At(day.Add(time.Duration(i)*time.Second)).Build())
	}
	testutil.Seed(t, f.store, recs...)

	for _, path := range []string{"/api/export?format=json", "/api/export?format=json&limit=5000"} {
		rr := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Len(t, decode[[]store.InputRecord](t, rr), MaxPageSize+500, path)
	}

	rr := f.do(t, http.MethodGet, "/api/export?format=json&limit=1200", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.InputRecord](t, rr), 1200)

	rr = f.do(t, http.MethodGet, "/api/export?format=ndjson&limit=20000", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "limits above the export cap are refused, not truncated")

	rr = f.do(t, http.MethodGet, "/api/records?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "exceeds the maximum of 1000")

	rr = f.do(t, http.MethodGet, "/api/records?limit=1000", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]store.InputRecord](t, rr), MaxPageSize)
	assert.Equal(t, "1500", rr.Header().Get("X-Total-Count"))
}

func TestExportRoute_EmptyStore(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/export?format=json", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}
