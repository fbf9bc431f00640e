package capture

import "context"

// KeySource delivers raw key events. Stream blocks, calling emit serially for
// each event, until ctx is cancelled or the source fails.
type KeySource interface {
	Stream(ctx context.Context, emit func(KeyEvent)) error
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context, emit func(KeyEvent)) error

// Stream implements KeySource.
func (f KeySourceFunc) Stream(ctx context.Context, emit func(KeyEvent)) error {
	return f(ctx, emit)
}
