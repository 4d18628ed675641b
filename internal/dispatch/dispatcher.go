package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/event"
)

// Handler processes one event. A returned error is reported through the
// dispatcher's error callback and never stops delivery.
type Handler func(ctx context.Context, ev event.Event) error

// ErrorCallback receives every *HandlerError.
type ErrorCallback func(err error)

// HandlerError wraps a failure raised by a handler, including a recovered panic.
type HandlerError struct {
	Kind         event.Kind
	Subscription uint64
	Panicked     bool
	Err          error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %d for %s panicked: %v", e.Subscription, e.Kind, e.Err)
	}
	return fmt.Sprintf("handler %d for %s: %v", e.Subscription, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Dispatcher fans events out to subscriptions.
//
// Dispatch never waits on handlers. Each subscription owns a FIFO mailbox that at
// most one executor task drains at a time, so a subscription sees events in the
// order they were dispatched while different subscriptions run concurrently.
type Dispatcher struct {
	exec    Executor
	onError ErrorCallback
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[event.Kind][]*Subscription
	nextID   uint64
	closed   bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher that runs handlers on exec.
//
// Precondition: exec and logger must be non-nil. onError may be nil, in which
// case handler errors are logged.
// Postcondition: Returns an open Dispatcher with no subscriptions.
func NewDispatcher(exec Executor, onError ErrorCallback, logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		exec:    exec,
		onError: onError,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[event.Kind][]*Subscription),
	}
}

// Subscribe registers h for events of the given kind.
//
// Precondition: h must be non-nil.
// Postcondition: h receives every event of kind dispatched after Subscribe returns,
// until the subscription is cancelled or the dispatcher is closed.
func (d *Dispatcher) Subscribe(kind event.Kind, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription{id: d.nextID, kind: kind, handler: h, d: d}
	if d.closed {
		sub.cancelled = true
		return sub
	}
	d.subs[kind] = append(d.subs[kind], sub)
	return sub
}

// Subscriptions returns the number of live subscriptions for kind.
func (d *Dispatcher) Subscriptions(kind event.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[kind])
}

// Dispatch queues ev for every subscription of its kind and returns how many
// subscriptions it was queued for. After Close it does nothing and returns 0.
func (d *Dispatcher) Dispatch(ev event.Event) int {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	subs := d.subs[ev.Kind()]
	var start []*Subscription
	for _, sub := range subs {
		if sub.enqueue(ev) {
			// Added under d.mu so it always happens before Close waits.
			d.inflight.Add(1)
			start = append(start, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range start {
		d.exec.Go(sub.drain)
	}
	return len(subs)
}

// Close stops scheduling new work, drops queued events, cancels the context
// handed to handlers and waits for in-flight invocations to return or for ctx
// to end. Safe to call more than once.
//
// Postcondition: Returns nil once no handler started by this dispatcher is running.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for kind, subs := range d.subs {
			for _, sub := range subs {
				sub.markCancelled()
			}
			delete(d.subs, kind)
		}
	}
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}
}

func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[sub.kind]
	for i, s := range subs {
		if s == sub {
			d.subs[sub.kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.kind]) == 0 {
		delete(d.subs, sub.kind)
	}
}

func (d *Dispatcher) report(err *HandlerError) {
	if d.onError == nil {
		d.logger.Error("event handler failed",
			zap.String("kind", string(err.Kind)),
			zap.Uint64("subscription", err.Subscription),
			zap.Bool("panicked", err.Panicked),
			zap.Error(err.Err),
		)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("error callback panicked", zap.Any("panic", r), zap.Error(err))
		}
	}()
	d.onError(err)
}

// Subscription is a handler bound to one event kind.
type Subscription struct {
	id      uint64
	kind    event.Kind
	handler Handler
	d       *Dispatcher

	mu        sync.Mutex
	queue     []event.Event
	running   bool
	cancelled bool
}

// ID returns the subscription's dispatcher-unique identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Kind returns the event kind the subscription is bound to.
func (s *Subscription) Kind() event.Kind { return s.kind }

// Cancel removes the subscription. Queued events that have not started are dropped.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.markCancelled()
	s.d.remove(s)
}

func (s *Subscription) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.queue = nil
	s.mu.Unlock()
}

// enqueue appends ev and reports whether a drain task must be started.
func (s *Subscription) enqueue(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.queue = append(s.queue, ev)
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Subscription) drain() {
	defer s.d.inflight.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.cancelled || s.d.ctx.Err() != nil {
			s.queue = nil
			s.running = false
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.invoke(ev)
	}
}

func (s *Subscription) invoke(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.d.report(&HandlerError{
				Kind:         s.kind,
				Subscription: s.id,
				Panicked:     true,
				Err:          fmt.Errorf("%v", r),
			})
		}
	}()
	if err := s.handler(s.d.ctx, ev); err != nil {
		s.d.report(&HandlerError{Kind: s.kind, Subscription: s.id, Err: err})
	}
}
