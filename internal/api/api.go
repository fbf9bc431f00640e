// Package api provides the local REST API over captured typing sessions.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HakAl/arkinput/internal/analytics"
	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/commands"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/ws"
)

const (
	// MaxPageSize is the largest limit a record listing accepts.
	MaxPageSize = 1000

	maxSettingsBody = 64 * 1024
	requestTimeout  = 10 * time.Second
	dateLayout      = "2006-01-02"
)

// Capture is the part of the aggregator the API drives.
type Capture interface {
	Flush(ctx context.Context)
	Stats() capture.Stats
}

// Server is the REST API server.
type Server struct {
	cfg       *config.Config
	svc       *commands.Service
	store     store.Store
	analytics *analytics.Engine
	capture   Capture
	hub       *ws.Hub
	limiter   *RateLimiter
	logger    *slog.Logger
	mux       *http.ServeMux
	startTime time.Time
	now       func() time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, svc *commands.Service, dataStore store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		svc:       svc,
		store:     dataStore,
		logger:    logger,
		mux:       http.NewServeMux(),
		limiter:   NewRateLimiter(2, 10),
		startTime: time.Now(),
		now:       time.Now,
	}

	s.analytics = analytics.NewEngine(dataStore)

	s.mux.HandleFunc("GET /api/records", s.authMiddleware(s.listRecords))
	s.mux.HandleFunc("DELETE /api/records", s.authMiddleware(s.limited(s.deleteRecords)))
	s.mux.HandleFunc("GET /api/stats/today", s.authMiddleware(s.todayStats))
	s.mux.HandleFunc("GET /api/stats/{date}", s.authMiddleware(s.statsForDate))
	s.mux.HandleFunc("GET /api/apps", s.authMiddleware(s.listApps))
	s.mux.HandleFunc("GET /api/settings", s.authMiddleware(s.getSettings))
	s.mux.HandleFunc("PUT /api/settings", s.authMiddleware(s.limited(s.putSettings)))
	s.mux.HandleFunc("GET /api/export", s.authMiddleware(s.limited(s.export)))
	s.mux.HandleFunc("GET /api/analytics/daily", s.authMiddleware(s.dailyTotals))
	s.mux.HandleFunc("GET /api/analytics/hourly", s.authMiddleware(s.hourlyActivity))
	s.mux.HandleFunc("GET /api/analytics/apps", s.authMiddleware(s.topApps))
	s.mux.HandleFunc("GET /api/analytics/summary", s.authMiddleware(s.summary))
	s.mux.HandleFunc("POST /api/flush", s.authMiddleware(s.flush))
	s.mux.HandleFunc("GET /api/health", s.healthCheck)

	return s
}

// SetCapture connects the aggregator for /api/flush and health counters.
func (s *Server) SetCapture(c Capture) {
	s.capture = c
}

// SetHub mounts the WebSocket feed at /ws.
func (s *Server) SetHub(h *ws.Hub) {
	s.hub = h
	s.mux.HandleFunc("GET /ws", h.Handler())
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.corsMiddleware(s.mux))
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Close()
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestIDMiddleware tags every request with a uuid echoed in X-Request-ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) log(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

// authMiddleware wraps a handler with bearer token authentication.
// Tokens in the query string are refused so they never reach access logs.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("token") {
			s.writeError(w, http.StatusBadRequest, "Token in URL is not allowed; use the Authorization header")
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.Auth.Token
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.log(r).Debug("auth failed", "provided_len", len(auth))
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next(w, r)
	}
}

// limited applies the per-IP rate limiter.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(extractIP(r)) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next(w, r)
	}
}

// corsMiddleware allows browser tools served from localhost.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalhostOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Total-Count, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// errBadParam marks query parameter errors.
type errBadParam struct {
	name, value string
}

func (e errBadParam) Error() string {
	return "invalid " + e.name + " parameter: " + strconv.Quote(e.value)
}

type errLimitTooLarge struct {
	value, max int
}

func (e errLimitTooLarge) Error() string {
	return fmt.Sprintf("limit %d exceeds the maximum of %d", e.value, e.max)
}

// parseFilter builds a SearchFilter from q, app, start, end, limit and offset.
// A limit above maxLimit is refused rather than truncated.
func parseFilter(q url.Values, maxLimit int) (store.SearchFilter, error) {
	var filter store.SearchFilter

	if v := q.Get("q"); v != "" {
		filter.Query = &v
	}
	if v := q.Get("app"); v != "" {
		filter.AppName = &v
	}
	if v := q.Get("start"); v != "" {
		filter.StartDate = &v
	}
	if v := q.Get("end"); v != "" {
		filter.EndDate = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errBadParam{"limit", v}
		}
		if n > maxLimit {
			return filter, errLimitTooLarge{n, maxLimit}
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errBadParam{"offset", v}
		}
		filter.Offset = n
	}
	return filter, nil
}

// listRecords returns a page of records, newest first, with the unpaged
// match count in X-Total-Count.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	filter, err := parseFilter(r.URL.Query(), MaxPageSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.svc.GetRecords(ctx, filter)
	if err != nil {
		s.internalError(w, r, "failed to list records", err)
		return
	}
	total, err := s.svc.CountRecords(ctx, filter)
	if err != nil {
		s.internalError(w, r, "failed to count records", err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	s.writeJSON(w, recs)
}

// deleteRecords removes records older than the before parameter.
func (s *Server) deleteRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	n, err := s.svc.DeleteOldRecords(ctx, r.URL.Query().Get("before"))
	if errors.Is(err, commands.ErrMissingBoundary) {
		s.writeError(w, http.StatusBadRequest, "missing before parameter")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to delete records", err)
		return
	}

	s.log(r).Info("records deleted via API", "deleted", n)
	s.writeJSON(w, DeleteResponse{Deleted: n})
}

func (s *Server) todayStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := s.svc.GetTodayStats(ctx)
	if err != nil {
		s.internalError(w, r, "failed to compute today's stats", err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) statsForDate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := s.svc.GetStatsForDate(ctx, r.PathValue("date"))
	if errors.Is(err, store.ErrInvalidDate) {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to compute stats", err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	apps, err := s.svc.GetAppList(ctx)
	if err != nil {
		s.internalError(w, r, "failed to list apps", err)
		return
	}
	s.writeJSON(w, apps)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.svc.GetSettings(ctx)
	if err != nil {
		s.internalError(w, r, "failed to load settings", err)
		return
	}
	s.writeJSON(w, st)
}

// putSettings replaces all settings and applies them to the running capture.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var st settings.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}

	err := s.svc.SaveSettings(ctx, st)
	if errors.Is(err, settings.ErrInvalidSettings) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to save settings", err)
		return
	}

	saved, err := s.svc.GetSettings(ctx)
	if err != nil {
		s.internalError(w, r, "failed to reload settings", err)
		return
	}
	s.writeJSON(w, saved)
}

// parseDay parses a YYYY-MM-DD parameter, returning def when it is absent.
func parseDay(q url.Values, name string, def time.Time) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, errBadParam{name, v}
	}
	return t, nil
}

// parseDayRange reads start and end, defaulting to the last seven days.
func (s *Server) parseDayRange(q url.Values) (start, end time.Time, err error) {
	end, err = parseDay(q, "end", s.now().UTC())
	if err != nil {
		return
	}
	start, err = parseDay(q, "start", end.AddDate(0, 0, -6))
	return
}

func (s *Server) analyticsError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, analytics.ErrInvalidRange) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.internalError(w, r, "analytics query failed", err)
}

func (s *Server) dailyTotals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	start, end, err := s.parseDayRange(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days, err := s.analytics.DailyTotals(ctx, start, end)
	if err != nil {
		s.analyticsError(w, r, err)
		return
	}
	s.writeJSON(w, days)
}

func (s *Server) hourlyActivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	date, err := parseDay(r.URL.Query(), "date", s.now().UTC())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buckets, err := s.analytics.HourlyActivity(ctx, date)
	if err != nil {
		s.analyticsError(w, r, err)
		return
	}
	s.writeJSON(w, buckets)
}

func (s *Server) topApps(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	q := r.URL.Query()
	start, end, err := s.parseDayRange(q)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, errBadParam{"limit", v}.Error())
			return
		}
	}
	apps, err := s.analytics.TopApps(ctx, start, end, min(limit, 100))
	if err != nil {
		s.analyticsError(w, r, err)
		return
	}
	s.writeJSON(w, apps)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	start, end, err := s.parseDayRange(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.analytics.Summarize(ctx, start, end)
	if err != nil {
		s.analyticsError(w, r, err)
		return
	}
	s.writeJSON(w, sum)
}

// flush commits the in-progress session immediately.
func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		s.writeError(w, http.StatusServiceUnavailable, "capture is not running")
		return
	}
	s.capture.Flush(r.Context())
	s.writeJSON(w, toCaptureStats(s.capture.Stats()))
}

// healthCheck returns server health with operational metrics.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if size, err := s.store.SizeBytes(ctx); err == nil {
		health.DBSizeBytes = size
	}
	if n, err := s.store.CountRecords(ctx, store.SearchFilter{}); err == nil {
		health.TotalRecords = int64(n)
	} else {
		health.Status = "error"
		health.Warning = "database unavailable"
	}

	if s.capture != nil {
		stats := toCaptureStats(s.capture.Stats())
		health.Capture = &stats
		if stats.Failed > 0 && health.Status == "ok" {
			health.Status = "degraded"
			health.Warning = "some sessions failed to persist"
		}
	}
	if s.hub != nil {
		health.Clients = s.hub.ClientCount()
	}

	s.writeJSON(w, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log(r).Error(msg, "error", err)
	s.writeError(w, http.StatusInternalServerError, msg)
}

// API response types

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DeleteResponse reports how many records a delete removed.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// CaptureStats mirrors the aggregator counters.
type CaptureStats struct {
	Committed  uint64 `json:"committed"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Pending    bool   `json:"pending"`
	PendingApp string `json:"pending_app,omitempty"`
}

func toCaptureStats(st capture.Stats) CaptureStats {
	return CaptureStats{
		Committed:  st.Committed,
		Failed:     st.Failed,
		Dropped:    st.Dropped,
		Pending:    st.Pending,
		PendingApp: st.PendingApp,
	}
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status       string        `json:"status"` // "ok", "degraded", "error"
	Timestamp    time.Time     `json:"timestamp"`
	Uptime       string        `json:"uptime"`
	DBSizeBytes  int64         `json:"db_size_bytes"`
	TotalRecords int64         `json:"total_records"`
	Capture      *CaptureStats `json:"capture,omitempty"`
	Clients      int           `json:"ws_clients"`
	Warning      string        `json:"warning,omitempty"`
}
