package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/storage/postgres"
)

// healthService pings the journal database until stopped, then closes the pool.
type healthService struct {
	pool   *postgres.Pool
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func newHealthService(pool *postgres.Pool, logger *zap.Logger) *healthService {
	ctx, cancel := context.WithCancel(context.Background())
	return &healthService{pool: pool, logger: logger, ctx: ctx, cancel: cancel}
}

func (h *healthService) Start() error {
	defer h.pool.Close()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.pool.Health(h.ctx, 5*time.Second); err != nil && h.ctx.Err() == nil {
				h.logger.Warn("database health check failed", zap.Error(err))
			}
		}
	}
}

func (h *healthService) Stop() { h.cancel() }
