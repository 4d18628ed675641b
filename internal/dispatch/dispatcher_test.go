package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/kairi/internal/dispatch"
	"github.com/cory-johannsen/kairi/internal/event"
)

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func TestDispatch_OnlyMatchingKind(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Inline{}, nil, zaptest.NewLogger(t))

	var readyCalls, pongCalls, unknownCalls atomic.Int32
	d.Subscribe(event.KindReady, func(context.Context, event.Event) error { readyCalls.Add(1); return nil })
	d.Subscribe(event.KindPong, func(context.Context, event.Event) error { pongCalls.Add(1); return nil })
	d.Subscribe(event.KindUnknown, func(context.Context, event.Event) error { unknownCalls.Add(1); return nil })

	n := d.Dispatch(event.Unknown{Type: "SomethingNew"})
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), readyCalls.Load())
	assert.Equal(t, int32(0), pongCalls.Load())
	assert.Equal(t, int32(1), unknownCalls.Load())
}

func TestDispatch_AllSubscriptionsOfKind(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Inline{}, nil, zaptest.NewLogger(t))

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		d.Subscribe(event.KindReady, func(context.Context, event.Event) error { calls.Add(1); return nil })
	}
	assert.Equal(t, 5, d.Subscriptions(event.KindReady))

	assert.Equal(t, 5, d.Dispatch(event.Ready{}))
	assert.Equal(t, int32(5), calls.Load())
}

func TestDispatch_HandlerErrorReported(t *testing.T) {
	sink := &errSink{}
	d := dispatch.NewDispatcher(dispatch.Inline{}, sink.add, zaptest.NewLogger(t))

	boom := errors.New("boom")
	var secondCalled atomic.Bool
	d.Subscribe(event.KindPong, func(context.Context, event.Event) error { return boom })
	d.Subscribe(event.KindPong, func(context.Context, event.Event) error { secondCalled.Store(true); return nil })

	d.Dispatch(event.Pong{})

	errs := sink.all()
	require.Len(t, errs, 1)
	var herr *dispatch.HandlerError
	require.True(t, errors.As(errs[0], &herr))
	assert.Equal(t, event.KindPong, herr.Kind)
	assert.False(t, herr.Panicked)
	assert.ErrorIs(t, errs[0], boom)
	assert.True(t, secondCalled.Load(), "a failing handler must not affect other handlers")
}

func TestDispatch_HandlerPanicRecovered(t *testing.T) {
	sink := &errSink{}
	d := dispatch.NewDispatcher(dispatch.Inline{}, sink.add, zaptest.NewLogger(t))

	d.Subscribe(event.KindReady, func(context.Context, event.Event) error { panic("kaboom") })

	assert.NotPanics(t, func() { d.Dispatch(event.Ready{}) })

	errs := sink.all()
	require.Len(t, errs, 1)
	var herr *dispatch.HandlerError
	require.True(t, errors.As(errs[0], &herr))
	assert.True(t, herr.Panicked)
	assert.Contains(t, herr.Error(), "kaboom")
}

func TestDispatch_ErrorCallbackPanicContained(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Inline{}, func(error) { panic("callback") }, zaptest.NewLogger(t))
	d.Subscribe(event.KindReady, func(context.Context, event.Event) error { return errors.New("x") })
	assert.NotPanics(t, func() { d.Dispatch(event.Ready{}) })
}

func TestDispatch_SlowHandlerDoesNotBlock(t *testing.T) {
	pool := dispatch.NewPool(4)
	d := dispatch.NewDispatcher(pool, nil, zaptest.NewLogger(t))

	release := make(chan struct{})
	fast := make(chan struct{}, 10)
	d.Subscribe(event.KindReady, func(ctx context.Context, _ event.Event) error {
		<-release
		return nil
	})
	d.Subscribe(event.KindReady, func(context.Context, event.Event) error {
		fast <- struct{}{}
		return nil
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		d.Dispatch(event.Ready{})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Dispatch must not wait on handlers")

	for i := 0; i < 3; i++ {
		select {
		case <-fast:
		case <-time.After(2 * time.Second):
			t.Fatal("fast handler starved by slow handler")
		}
	}

	close(release)
	require.NoError(t, d.Close(context.Background()))
	pool.Shutdown()
}

func TestDispatch_PerSubscriptionOrder(t *testing.T) {
	pool := dispatch.NewPool(8)
	d := dispatch.NewDispatcher(pool, nil, zaptest.NewLogger(t))

	const n = 200
	var mu sync.Mutex
	seen := map[uint64][]string{}
	var wg sync.WaitGroup
	wg.Add(3 * n)
	for i := 0; i < 3; i++ {
		var sub *dispatch.Subscription
		sub = d.Subscribe(event.KindUnknown, func(_ context.Context, ev event.Event) error {
			defer wg.Done()
			mu.Lock()
			seen[sub.ID()] = append(seen[sub.ID()], ev.(event.Unknown).Type)
			mu.Unlock()
			return nil
		})
	}

	var want []string
	for i := 0; i < n; i++ {
		tag := string(rune('a'+i%26)) + time.Duration(i).String()
		want = append(want, tag)
		d.Dispatch(event.Unknown{Type: tag})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for id, got := range seen {
		assert.Equal(t, want, got, "subscription %d observed events out of order", id)
	}
	require.NoError(t, d.Close(context.Background()))
	pool.Shutdown()
}

func TestSubscription_Cancel(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Inline{}, nil, zaptest.NewLogger(t))

	var calls atomic.Int32
	sub := d.Subscribe(event.KindPong, func(context.Context, event.Event) error { calls.Add(1); return nil })
	d.Dispatch(event.Pong{})
	sub.Cancel()
	sub.Cancel()
	d.Dispatch(event.Pong{})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, d.Subscriptions(event.KindPong))
}

func TestClose_WaitsForInFlightAndDropsQueued(t *testing.T) {
	pool := dispatch.NewPool(1)
	d := dispatch.NewDispatcher(pool, nil, zaptest.NewLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	d.Subscribe(event.KindReady, func(ctx context.Context, _ event.Event) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})

	d.Dispatch(event.Ready{})
	<-started
	d.Dispatch(event.Ready{})
	d.Dispatch(event.Ready{})

	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the handler finished")
	}
	assert.Equal(t, int32(1), calls.Load(), "queued events must be dropped on Close")
	assert.Equal(t, 0, d.Dispatch(event.Ready{}))
	assert.NoError(t, d.Close(context.Background()), "second Close must be a no-op")
	pool.Shutdown()
}

func TestClose_HandlerContextCancelled(t *testing.T) {
	pool := dispatch.NewPool(2)
	d := dispatch.NewDispatcher(pool, nil, zaptest.NewLogger(t))

	started := make(chan struct{})
	d.Subscribe(event.KindReady, func(ctx context.Context, _ event.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	d.Dispatch(event.Ready{})
	<-started

	require.NoError(t, d.Close(context.Background()))
	pool.Shutdown()
}

func TestClose_BoundedByContext(t *testing.T) {
	pool := dispatch.NewPool(1)
	d := dispatch.NewDispatcher(pool, nil, zaptest.NewLogger(t))

	release := make(chan struct{})
	started := make(chan struct{})
	d.Subscribe(event.KindReady, func(context.Context, event.Event) error {
		close(started)
		<-release
		return nil
	})
	d.Dispatch(event.Ready{})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(release)
	pool.Shutdown()
}

func TestSubscribeAfterCloseIsInert(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.Inline{}, nil, zaptest.NewLogger(t))
	require.NoError(t, d.Close(context.Background()))

	var called atomic.Bool
	d.Subscribe(event.KindReady, func(context.Context, event.Event) error { called.Store(true); return nil })
	d.Dispatch(event.Ready{})
	assert.False(t, called.Load())
}

// With a deterministic executor every subscription observes exactly the events
// of its kind, in dispatch order.
func TestProperty_InlineDeliveryMatchesKindAndOrder(t *testing.T) {
	kinds := []event.Kind{event.KindReady, event.KindPong, event.KindUnknown}
	rapid.Check(t, func(rt *rapid.T) {
		d := dispatch.NewDispatcher(dispatch.Inline{}, nil, zaptest.NewLogger(t))

		got := map[event.Kind][]int{}
		for _, k := range kinds {
			k := k
			d.Subscribe(k, func(_ context.Context, ev event.Event) error {
				if ev.Kind() != k {
					rt.Fatalf("subscription for %s received %s", k, ev.Kind())
				}
				got[k] = append(got[k], len(got[k]))
				return nil
			})
		}

		seq := rapid.SliceOf(rapid.SampledFrom(kinds)).Draw(rt, "kinds")
		want := map[event.Kind]int{}
		for _, k := range seq {
			var ev event.Event
			switch k {
			case event.KindReady:
				ev = event.Ready{}
			case event.KindPong:
				ev = event.Pong{}
			default:
				ev = event.Unknown{}
			}
			d.Dispatch(ev)
			want[k]++
		}
		for _, k := range kinds {
			if len(got[k]) != want[k] {
				rt.Fatalf("kind %s delivered %d times, want %d", k, len(got[k]), want[k])
			}
		}
	})
}
