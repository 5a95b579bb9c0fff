package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	ctx := context.Background()
	p := New(4, 8)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(ctx, func(context.Context) {
			n.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	p.Close()
	p.Wait()
	assert.Equal(t, int32(20), n.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	p := New(2, 16)
	defer func() {
		p.Close()
		p.Wait()
	}()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(ctx, func(context.Context) {
			defer wg.Done()
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := New(1, 1)
	p.Close()
	p.Wait()
	err := p.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoolSubmitCanceled(t *testing.T) {
	p := New(1, 1)
	defer func() {
		p.Close()
		p.Wait()
	}()
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { <-release }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {})) // fills the queue

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
