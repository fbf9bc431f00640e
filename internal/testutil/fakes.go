package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/store"
)

// ErrSinkFailure is returned by RecordingSink while failing is set.
var ErrSinkFailure = errors.New("sink unavailable")

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Window is a WindowProvider whose answer the test sets directly.
type Window struct {
	mu    sync.Mutex
	win   capture.WindowContext
	ok    bool
	calls int
}

// NewWindow returns a provider reporting app as focused.
func NewWindow(app string) *Window {
	w := &Window{}
	w.Focus(app)
	return w
}

// Focus switches the focused app and clears the title.
func (w *Window) Focus(app string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.win = capture.WindowContext{AppName: app}
	w.ok = true
}

// FocusTitled switches the focused app and title.
func (w *Window) FocusTitled(app, title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.win = capture.WindowContext{AppName: app, WindowTitle: &title}
	w.ok = true
}

// Lose makes the provider report no window.
func (w *Window) Lose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ok = false
}

// Calls returns how many lookups were made.
func (w *Window) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// ActiveWindow implements capture.WindowProvider.
func (w *Window) ActiveWindow(context.Context) (capture.WindowContext, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.win, w.ok
}

// RecordingSink is an in-memory capture.RecordSink.
type RecordingSink struct {
	mu      sync.Mutex
	records []*store.InputRecord
	failing bool
	nextID  int64
}

// InsertRecord implements capture.RecordSink.
func (s *RecordingSink) InsertRecord(_ context.Context, rec *store.InputRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, ErrSinkFailure
	}
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	s.records = append(s.records, &cp)
	return cp.ID, nil
}

// SetFailing makes subsequent inserts fail (or succeed again).
func (s *RecordingSink) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Records returns the committed records in insert order.
func (s *RecordingSink) Records() []*store.InputRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.InputRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Contents returns the content of each committed record in insert order.
func (s *RecordingSink) Contents() []string {
	recs := s.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Content
	}
	return out
}
