package capture

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HakAl/arkinput/internal/store"
)

// DefaultMergeInterval is the idle gap that ends a session unless settings say otherwise.
const DefaultMergeInterval = 500 * time.Millisecond

const insertTimeout = 5 * time.Second

// Flush reasons, used in logs.
const (
	reasonAppSwitch = "app_switch"
	reasonIdle      = "idle"
	reasonForced    = "forced"
)

// RecordSink persists committed sessions. store.Store satisfies it.
type RecordSink interface {
	InsertRecord(ctx context.Context, rec *store.InputRecord) (int64, error)
}

// ContentRedactor rewrites session content before it is stored.
type ContentRedactor interface {
	RedactContent(content string) string
}

// Options configure an Aggregator.
type Options struct {
	Windows       WindowProvider
	Sink          RecordSink
	MergeInterval time.Duration // <= 0 means DefaultMergeInterval
	Redactor      ContentRedactor
	// OnCommit runs after each successful insert while the buffer lock is held.
	// It must not block or call back into the Aggregator.
	OnCommit func(rec *store.InputRecord)
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	Committed  uint64 `json:"committed"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Pending    bool   `json:"pending"`
	PendingApp string `json:"pending_app,omitempty"`
}

// sessionBuffer accumulates the session currently being typed.
type sessionBuffer struct {
	appName     string
	windowTitle *string
	startTime   time.Time
	content     strings.Builder
	keyCount    int
	lastInput   time.Time
}

func (b *sessionBuffer) empty() bool {
	return b.content.Len() == 0
}

func (b *sessionBuffer) reset() {
	*b = sessionBuffer{}
}

// Aggregator buffers keystrokes into sessions and commits each session as
// one record when the focused app changes, input goes idle, or a flush is forced.
type Aggregator struct {
	windows  WindowProvider
	sink     RecordSink
	redactor ContentRedactor
	onCommit func(*store.InputRecord)
	clock    func() time.Time
	logger   *slog.Logger

	mergeInterval atomic.Int64 // nanoseconds

	exMu     sync.RWMutex
	excluded map[string]struct{} // lowercased app names

	mu    sync.Mutex
	buf   sessionBuffer
	shift bool

	committed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewAggregator creates an Aggregator with an empty exclusion set.
func NewAggregator(opts Options) *Aggregator {
	a := &Aggregator{
		windows:  opts.Windows,
		sink:     opts.Sink,
		redactor: opts.Redactor,
		onCommit: opts.OnCommit,
		clock:    opts.Clock,
		logger:   opts.Logger,
		excluded: map[string]struct{}{},
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.SetMergeInterval(opts.MergeInterval)
	return a
}

// SetMergeInterval changes the idle gap that closes a session.
func (a *Aggregator) SetMergeInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultMergeInterval
	}
	a.mergeInterval.Store(int64(d))
}

// MergeInterval returns the idle gap currently in effect.
func (a *Aggregator) MergeInterval() time.Duration {
	return time.Duration(a.mergeInterval.Load())
}

// SetExcludedApps replaces the set of apps whose input is never recorded.
// Matching is case-insensitive.
func (a *Aggregator) SetExcludedApps(apps []string) {
	set := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		set[strings.ToLower(app)] = struct{}{}
	}

	a.exMu.Lock()
	a.excluded = set
	a.exMu.Unlock()
}

func (a *Aggregator) isExcluded(app string) bool {
	a.exMu.RLock()
	defer a.exMu.RUnlock()
	_, ok := a.excluded[strings.ToLower(app)]
	return ok
}

// HandleEvent processes one key event. It is called serially by the event loop.
func (a *Aggregator) HandleEvent(ctx context.Context, ev KeyEvent) {
	switch ev.Type {
	case Press:
		a.handlePress(ctx, ev.Key)
	case Release:
		if ev.Key.IsShift() {
			a.mu.Lock()
			a.shift = false
			a.mu.Unlock()
		}
	}
}

func (a *Aggregator) handlePress(ctx context.Context, k Key) {
	if k.IsShift() {
		a.mu.Lock()
		a.shift = true
		a.mu.Unlock()
		return
	}

	win, ok := a.windows.ActiveWindow(ctx)
	if !ok {
		a.dropped.Add(1)
		a.logger.Debug("no active window, dropping key")
		return
	}
	if a.isExcluded(win.AppName) {
		a.dropped.Add(1)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	if !a.buf.empty() {
		switch {
		case a.buf.appName != win.AppName:
			a.flushLocked(ctx, reasonAppSwitch)
		case now.Sub(a.buf.lastInput) > a.MergeInterval():
			a.flushLocked(ctx, reasonIdle)
		}
	}

	text, ok := Contribution(k, a.shift)
	if !ok {
		// Non-text keys in the same app keep the session alive.
		if !a.buf.empty() {
			a.buf.lastInput = now
		}
		return
	}

	if a.buf.empty() {
		a.buf.appName = win.AppName
		a.buf.windowTitle = win.WindowTitle
		a.buf.startTime = now.UTC()
	}
	a.buf.content.WriteString(text)
	a.buf.keyCount++
	a.buf.lastInput = now
}

// Flush commits the pending session, if any.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(ctx, reasonForced)
}

// FlushIfIdle commits the pending session if no key has arrived for longer
// than the merge interval. It reports whether a flush happened.
func (a *Aggregator) FlushIfIdle(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf.empty() || a.clock().Sub(a.buf.lastInput) <= a.MergeInterval() {
		return false
	}
	a.flushLocked(ctx, reasonIdle)
	return true
}

// flushLocked writes the buffer as one record and resets it whatever the outcome.
// Caller holds a.mu.
func (a *Aggregator) flushLocked(ctx context.Context, reason string) {
	if a.buf.empty() {
		return
	}

	rec := &store.InputRecord{
		Timestamp:   a.buf.startTime,
		AppName:     a.buf.appName,
		WindowTitle: a.buf.windowTitle,
		Content:     a.buf.content.String(),
		KeyCount:    a.buf.keyCount,
	}
	a.buf.reset()

	if a.redactor != nil {
		rec.Content = a.redactor.RedactContent(rec.Content)
	}

	// A flush that has started completes even if the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
	defer cancel()

	id, err := a.sink.InsertRecord(ctx, rec)
	if err != nil {
		a.failed.Add(1)
		a.logger.Error("failed to save session", "app", rec.AppName, "keys", rec.KeyCount, "reason", reason, "error", err)
		return
	}
	rec.ID = id
	a.committed.Add(1)
	a.logger.Debug("session saved", "id", id, "app", rec.AppName, "keys", rec.KeyCount, "reason", reason)

	if a.onCommit != nil {
		a.onCommit(rec)
	}
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	pending := !a.buf.empty()
	app := a.buf.appName
	a.mu.Unlock()

	return Stats{
		Committed:  a.committed.Load(),
		Failed:     a.failed.Load(),
		Dropped:    a.dropped.Load(),
		Pending:    pending,
		PendingApp: app,
	}
}
