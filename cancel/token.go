// Package cancel provides the cooperative stop signal shared by every task
// of one execution.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a broadcast stop signal. IsCancelled is a non-blocking query;
// Done returns a channel closed on cancellation for blocking waits.
type Token struct {
	quit    atomic.Bool
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// New returns a token and the function that cancels it.
func New() (*Token, func()) {
	t := &Token{done: make(chan struct{})}
	return t, t.Cancel
}

// Cancel sets the quit flag and wakes every waiter. It is safe to call any
// number of times from any goroutine.
func (t *Token) Cancel() {
	t.quit.Store(true)

	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	return t.quit.Load()
}

// Done returns a channel that is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context that is cancelled together with the token.
// The returned stop function releases the bridging goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Watch cancels the token when ctx is done. The returned function stops
// watching.
func (t *Token) Watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, t.Cancel)
}
