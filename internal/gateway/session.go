package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/kairi/internal/config"
	"github.com/cory-johannsen/kairi/internal/dispatch"
	"github.com/cory-johannsen/kairi/internal/event"
)

// defaultWorkers sizes the handler pool when Options supplies no executor.
const defaultWorkers = 16

// Options carries the optional collaborators of a Session.
type Options struct {
	// Executor runs event handlers. When nil the session owns a dispatch.Pool
	// of Workers slots and shuts it down when Run returns.
	Executor dispatch.Executor
	// Workers sizes the owned pool. Zero means 16.
	Workers int
	// OnError receives every handler failure. When nil failures are logged.
	OnError dispatch.ErrorCallback
	// Clock drives the heartbeat. When nil the real clock is used.
	Clock clockwork.Clock
	// Recorder observes session activity. When nil nothing is recorded.
	Recorder Recorder
}

// Snapshot is a point-in-time copy of a session's mutable record.
type Snapshot struct {
	ID    string
	State State
	// Endpoint is the resolved WebSocket URL, empty before resolution.
	Endpoint string
	// Connected reports whether a socket is currently held.
	Connected bool
	// LastPingAt is the send time of the most recent ping.
	LastPingAt time.Time
	// LastPongAt is the receive time of the most recent accepted pong.
	LastPongAt time.Time
	PendingAck bool
	// Latency is the round trip of the most recent acknowledged ping.
	Latency time.Duration
	// Tasks is the number of steady-state tasks currently running.
	Tasks int
}

// Session is one gateway connection from resolution to shutdown.
//
// A Session is single-use: Run may be called once.
type Session struct {
	id       string
	cfg      config.GatewayConfig
	resolver EndpointResolver
	dialer   Dialer
	logger   *zap.Logger
	clock    clockwork.Clock
	recorder Recorder

	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool

	acks     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	tasks    atomic.Int32

	mu         sync.Mutex
	started    bool
	state      State
	endpoint   string
	conn       Conn
	lastPingAt time.Time
	lastPongAt time.Time
	pendingAck bool
	pendingSeq int64
	latency    time.Duration
	self       *event.User
}

// NewSession creates a disconnected session.
//
// Precondition: resolver, dialer and logger must be non-nil; cfg.HeartbeatInterval > 0.
// Postcondition: Returns a session in StateDisconnected with handlers attachable via On.
func NewSession(cfg config.GatewayConfig, resolver EndpointResolver, dialer Dialer, logger *zap.Logger, opts Options) *Session {
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		resolver: resolver,
		dialer:   dialer,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		acks:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateDisconnected,
	}
	s.logger = logger.With(zap.String("session", s.id))
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	if s.cfg.HeartbeatInterval <= 0 {
		s.cfg.HeartbeatInterval = 30 * time.Second
	}

	exec := opts.Executor
	if exec == nil {
		workers := opts.Workers
		if workers < 1 {
			workers = defaultWorkers
		}
		s.pool = dispatch.NewPool(workers)
		exec = s.pool
	}
	onError := opts.OnError
	s.dispatcher = dispatch.NewDispatcher(exec, func(err error) {
		var herr *dispatch.HandlerError
		if errors.As(err, &herr) {
			s.recorder.HandlerFailed(herr.Kind)
		}
		if onError != nil {
			onError(err)
			return
		}
		s.logger.Error("event handler failed", zap.Error(err))
	}, s.logger)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// On registers h for events of the given kind.
func (s *Session) On(kind event.Kind, h dispatch.Handler) *dispatch.Subscription {
	return s.dispatcher.Subscribe(kind, h)
}

// On registers a handler for the event type T.
//
// Postcondition: h is invoked with every event of T's kind delivered by s.
func On[T event.Event](s *Session, h func(ctx context.Context, ev T) error) *dispatch.Subscription {
	var zero T
	return s.dispatcher.Subscribe(zero.Kind(), func(ctx context.Context, ev event.Event) error {
		typed, ok := ev.(T)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", ev, zero.Kind())
		}
		return h(ctx, typed)
	})
}

// Run resolves the endpoint, authenticates and serves the connection until
// Close or Stop is called, ctx is cancelled, or the connection fails.
//
// Precondition: Run has not been called before on s.
// Postcondition: The socket is closed, both steady-state tasks have returned and
// no handler started by the session is running. Returns nil on a requested
// shutdown, otherwise the fatal error that ended the session.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := s.run(runCtx)
	if err != nil && runCtx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	s.shutdown()

	if err != nil {
		s.logger.Error("session ended", zap.Error(err))
	} else {
		s.logger.Info("session ended")
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	s.advance(StateConnecting)

	hctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var hcancel context.CancelFunc
		hctx, hcancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer hcancel()
	}

	ep, err := s.resolver.Resolve(hctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = ep.WS
	s.mu.Unlock()

	conn, err := s.dialer.Dial(hctx, ep.WS)
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.advance(StateAuthenticating)
	if err := s.handshake(hctx, conn); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	s.advance(StateConnected)
	s.logger.Info("connected", zap.String("endpoint", ep.WS))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.task(gctx, conn, s.heartbeat))
	g.Go(s.task(gctx, conn, s.receive))
	return g.Wait()
}

func (s *Session) task(ctx context.Context, conn Conn, fn func(context.Context, Conn) error) func() error {
	s.tasks.Add(1)
	return func() error {
		defer s.tasks.Add(-1)
		return fn(ctx, conn)
	}
}

// shutdown runs after both steady-state tasks have returned. The socket is
// closed exactly once, then queued events are dropped and in-flight handlers
// are awaited.
func (s *Session) shutdown() {
	s.advance(StateClosing)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.pendingAck = false
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("closing socket", zap.Error(err))
		}
	}

	// Handlers observe the cancelled context; a stuck handler keeps Run waiting.
	if err := s.dispatcher.Close(context.Background()); err != nil {
		s.logger.Debug("closing dispatcher", zap.Error(err))
	}
	if s.pool != nil {
		s.pool.Shutdown()
	}
}

// Close requests shutdown without waiting. It is safe to call from handlers,
// before Run, and more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Stop requests shutdown and waits for Run to return. It returns immediately
// when Run was never called. Handlers must use Close instead.
func (s *Session) Stop() {
	s.Close()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Self returns the bot's own user record.
//
// Postcondition: ok is false until the first Ready event was received.
func (s *Session) Self() (event.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self == nil {
		return event.User{}, false
	}
	return *s.self, true
}

// Snapshot returns a copy of the session record.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.id,
		State:      s.state,
		Endpoint:   s.endpoint,
		Connected:  s.conn != nil,
		LastPingAt: s.lastPingAt,
		LastPongAt: s.lastPongAt,
		PendingAck: s.pendingAck,
		Latency:    s.latency,
		Tasks:      int(s.tasks.Load()),
	}
}

// advance moves the session forward to state to.
//
// Postcondition: Returns false and leaves the state unchanged when to is not
// after the current state.
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	from := s.state
	if !CanAdvance(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.recorder.StateChanged(from, to)
	s.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	return true
}
