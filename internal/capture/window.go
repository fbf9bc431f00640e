package capture

import (
	"context"
	"sync"
	"time"
)

// WindowContext describes the focused window at the moment of a key press.
type WindowContext struct {
	AppName     string
	WindowTitle *string
}

// WindowProvider reports the currently focused window.
// ok is false when the platform cannot determine it.
type WindowProvider interface {
	ActiveWindow(ctx context.Context) (win WindowContext, ok bool)
}

// WindowProviderFunc adapts a function to WindowProvider.
type WindowProviderFunc func(ctx context.Context) (WindowContext, bool)

// ActiveWindow implements WindowProvider.
func (f WindowProviderFunc) ActiveWindow(ctx context.Context) (WindowContext, bool) {
	return f(ctx)
}

// CachedWindowProvider remembers the last answer of an inner provider for ttl.
// A typing burst then costs one lookup instead of one per key. Keys typed
// within ttl of a focus change are attributed to the previous window, which
// includes keys typed into an excluded app, so callers must opt in.
type CachedWindowProvider struct {
	inner WindowProvider
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	win     WindowContext
	ok      bool
	fetched time.Time
}

// NewCachedWindowProvider wraps inner. A non-positive ttl returns inner unchanged.
func NewCachedWindowProvider(inner WindowProvider, ttl time.Duration) WindowProvider {
	if ttl <= 0 {
		return inner
	}
	return &CachedWindowProvider{inner: inner, ttl: ttl, now: time.Now}
}

// ActiveWindow implements WindowProvider.
func (c *CachedWindowProvider) ActiveWindow(ctx context.Context) (WindowContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.fetched.IsZero() && now.Sub(c.fetched) < c.ttl {
		return c.win, c.ok
	}
	c.win, c.ok = c.inner.ActiveWindow(ctx)
	c.fetched = now
	return c.win, c.ok
}
