package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/config"
	"github.com/cory-johannsen/kairi/internal/gateway"
)

// SessionFactory builds a fresh, unstarted gateway session.
type SessionFactory func() (*gateway.Session, error)

// SessionHooks observe each session attempt. Either may be nil.
type SessionHooks struct {
	// Started runs before the session's Run.
	Started func(s *gateway.Session)
	// Ended runs after Run returns with its result.
	Ended func(s *gateway.Session, err error)
}

// GatewayService runs gateway sessions as a Service. A session that fails is
// replaced by a new one according to the retry policy; authentication
// failures are never retried.
type GatewayService struct {
	factory SessionFactory
	retry   config.RetryConfig
	hooks   SessionHooks
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *gateway.Session
	attempts int
	started  bool
	finished chan struct{}
}

// NewGatewayService creates a GatewayService.
//
// Precondition: factory and logger must be non-nil.
// Postcondition: Returns a service that has not started any session.
func NewGatewayService(factory SessionFactory, retry config.RetryConfig, hooks SessionHooks, logger *zap.Logger) *GatewayService {
	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayService{
		factory:  factory,
		retry:    retry,
		hooks:    hooks,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
}

// Start runs sessions until one ends cleanly, a permanent failure occurs, the
// retry budget is exhausted, or Stop is called.
//
// Postcondition: Returns nil after Stop or a clean session end, otherwise the
// last session error.
func (g *GatewayService) Start() error {
	g.mu.Lock()
	g.started = true
	g.mu.Unlock()
	defer close(g.finished)

	err := backoff.RetryNotify(g.attempt, backoff.WithContext(g.policy(), g.ctx), func(err error, wait time.Duration) {
		g.logger.Warn("gateway session failed, retrying",
			zap.Error(err),
			zap.Duration("wait", wait),
		)
	})
	if g.ctx.Err() != nil {
		return nil
	}
	return err
}

func (g *GatewayService) policy() backoff.BackOff {
	if !g.retry.Enabled {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialInterval
	b.MaxInterval = g.retry.MaxInterval
	b.MaxElapsedTime = g.retry.MaxElapsedTime
	return b
}

func (g *GatewayService) attempt() error {
	s, err := g.factory()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating session: %w", err))
	}

	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return nil
	}
	g.current = s
	g.attempts++
	attempt := g.attempts
	g.mu.Unlock()

	g.logger.Info("starting gateway session",
		zap.String("session", s.ID()),
		zap.Int("attempt", attempt),
	)
	if g.hooks.Started != nil {
		g.hooks.Started(s)
	}
	err = s.Run(g.ctx)
	if g.hooks.Ended != nil {
		g.hooks.Ended(s, err)
	}

	g.mu.Lock()
	g.current = nil
	g.mu.Unlock()

	var authErr *gateway.AuthenticationError
	if errors.As(err, &authErr) {
		return backoff.Permanent(err)
	}
	return err
}

// Attempts returns how many sessions have been started.
func (g *GatewayService) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// Stop cancels pending retries, stops the running session and waits for Start
// to return, so the Ended hook has run when Stop returns.
//
// Precondition: Start is called at most once.
func (g *GatewayService) Stop() {
	g.mu.Lock()
	g.cancel()
	s := g.current
	started := g.started
	g.mu.Unlock()
	if s != nil {
		s.Stop()
	}
	if started {
		<-g.finished
	}
}
