package dispatch_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/kairi/internal/dispatch"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := dispatch.NewPool(2)
	defer pool.Shutdown()

	var running, peak atomic.Int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		pool.Go(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done <- struct{}{}
		})
	}
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not finish tasks")
		}
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_GoDoesNotBlock(t *testing.T) {
	pool := dispatch.NewPool(1)
	release := make(chan struct{})
	pool.Go(func() { <-release })

	returned := make(chan struct{})
	go func() {
		pool.Go(func() {})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Go blocked while the pool was saturated")
	}
	close(release)
	pool.Shutdown()
}

func TestPool_ShutdownAbandonsQueued(t *testing.T) {
	pool := dispatch.NewPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	pool.Go(func() {
		close(started)
		<-release
	})
	<-started

	var queuedRan atomic.Bool
	pool.Go(func() { queuedRan.Store(true) })

	shut := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(shut)
	}()
	// Give Shutdown a chance to cancel before the running task frees its slot.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-shut:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.False(t, queuedRan.Load())
	require.NotPanics(t, pool.Shutdown)
}

func TestNewPool_ClampsSize(t *testing.T) {
	pool := dispatch.NewPool(0)
	defer pool.Shutdown()
	ran := make(chan struct{})
	pool.Go(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pool of clamped size never ran a task")
	}
}

func TestInline_RunsSynchronously(t *testing.T) {
	var ran bool
	dispatch.Inline{}.Go(func() { ran = true })
	assert.True(t, ran)
}
