package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelIdempotent(t *testing.T) {
	tok, cancel := New()
	assert.False(t, tok.IsCancelled())

	cancel()
	cancel()
	tok.Cancel()

	assert.True(t, tok.IsCancelled())
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestConcurrentCancel(t *testing.T) {
	tok, cancel := New()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func() {
			defer wg.Done()
			<-tok.Done()
			assert.True(t, tok.IsCancelled())
		}()
	}
	wg.Wait()
}

func TestVisibleAfterCancel(t *testing.T) {
	tok, cancel := New()
	cancel()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, tok.IsCancelled())
		}()
	}
	wg.Wait()
}

func TestBlockedWaiterWakes(t *testing.T) {
	tok, cancel := New()
	woke := make(chan time.Time, 1)
	go func() {
		<-tok.Done()
		woke <- time.Now()
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case at := <-woke:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestContextBridge(t *testing.T) {
	tok, cancel := New()
	ctx, stop := tok.Context(context.Background())
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled with the token")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestWatch(t *testing.T) {
	tok, _ := New()
	ctx, cancelCtx := context.WithCancel(context.Background())
	stop := tok.Watch(ctx)
	defer stop()

	cancelCtx()
	select {
	case <-tok.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("token was not cancelled with the context")
	}
}
