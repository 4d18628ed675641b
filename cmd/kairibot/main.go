// Package main provides the bot binary: it connects to the chat gateway with a
// bot token and keeps the session alive until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/kairi/internal/config"
	"github.com/cory-johannsen/kairi/internal/event"
	"github.com/cory-johannsen/kairi/internal/gateway"
	"github.com/cory-johannsen/kairi/internal/observability"
	"github.com/cory-johannsen/kairi/internal/scripting"
	"github.com/cory-johannsen/kairi/internal/server"
	"github.com/cory-johannsen/kairi/internal/storage/postgres"
)

// Exit statuses of run.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, loads the configuration and serves the bot until shutdown.
//
// Postcondition: Returns exitOK after a clean shutdown or -print-config,
// exitUsage for unparseable flags, and exitError for a missing token, a bad
// configuration or a failed session.
func run(args []string, stdout, stderr io.Writer) int {
	start := time.Now()

	fs := flag.NewFlagSet("kairibot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (optional)")
	scriptsDir := fs.String("scripts", "", "directory of Lua event handler scripts; overrides scripting.dir")
	printConfig := fs.Bool("print-config", false, "print the effective configuration as YAML and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: kairibot [flags] <token>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "loading config: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		cfg.Gateway.Token = fs.Arg(0)
	}
	if *scriptsDir != "" {
		cfg.Scripting.Dir = *scriptsDir
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(stderr, "rendering config: %v\n", err)
			return exitError
		}
		if _, err := stdout.Write(out); err != nil {
			fmt.Fprintf(stderr, "writing config: %v\n", err)
			return exitError
		}
		return exitOK
	}

	if err := cfg.Gateway.ValidateToken(); err != nil {
		fmt.Fprintln(stderr, "Please provide a bot token as the first argument.")
		fs.Usage()
		return exitError
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "initializing logger: %v\n", err)
		return exitError
	}
	defer logger.Sync()

	if err := serve(cfg, logger, start); err != nil {
		logger.Error("bot stopped", zap.Error(err))
		return exitError
	}
	return exitOK
}

// serve wires the metrics server, journal, scripts and gateway service into a
// Lifecycle and runs it.
//
// Postcondition: Returns nil after a requested shutdown or a clean session end.
func serve(cfg config.Config, logger *zap.Logger, start time.Time) error {
	ctx := context.Background()

	logger.Info("starting bot",
		zap.String("api_url", cfg.Gateway.APIURL),
		zap.Duration("heartbeat_interval", cfg.Gateway.HeartbeatInterval),
	)

	lifecycle := server.NewLifecycle(logger)

	metrics := observability.NewMetrics()
	if cfg.Metrics.Enabled {
		lifecycle.Add("metrics", observability.NewMetricsServer(cfg.Metrics.Addr(), metrics, logger))
	}

	var scripts *scripting.Manager
	if cfg.Scripting.Dir != "" {
		scripts = scripting.NewManager(cfg.Scripting.InstructionLimit, logger)
		if err := scripts.Load(cfg.Scripting.Dir); err != nil {
			return fmt.Errorf("loading scripts from %s: %w", cfg.Scripting.Dir, err)
		}
		defer scripts.Close()
	}

	var journal *postgres.SessionJournal
	if cfg.Journal.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Journal.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected",
			zap.String("host", cfg.Journal.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		journal = pool.Journal()
		lifecycle.Add("postgres", newHealthService(pool, logger))
	}

	resolver := gateway.NewHTTPResolver(cfg.Gateway, &http.Client{Timeout: 30 * time.Second})
	dialer := gateway.NewWebsocketDialer(cfg.Gateway.WriteTimeout)

	factory := func() (*gateway.Session, error) {
		s := gateway.NewSession(cfg.Gateway, resolver, dialer, logger, gateway.Options{
			Workers:  cfg.Dispatch.Workers,
			Recorder: metrics,
		})
		gateway.On(s, func(ctx context.Context, ev event.Ready) error {
			self, ok := ev.Self()
			if !ok {
				return nil
			}
			logger.Info(fmt.Sprintf("Logged in as %s (%s)", self.Username, self.ID))
			if journal == nil {
				return nil
			}
			return journal.Connected(ctx, s.ID(), s.Snapshot().Endpoint, self.ID, self.Username)
		})
		if scripts != nil {
			scripts.Attach(s)
		}
		return s, nil
	}

	hooks := server.SessionHooks{}
	if journal != nil {
		hooks.Started = func(s *gateway.Session) {
			jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := journal.Begin(jctx, s.ID(), cfg.Gateway.Token); err != nil {
				logger.Warn("journal begin failed", zap.String("session", s.ID()), zap.Error(err))
			}
		}
		hooks.Ended = func(s *gateway.Session, runErr error) {
			reason := "stopped"
			if runErr != nil {
				reason = runErr.Error()
			}
			jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := journal.End(jctx, s.ID(), reason, s.Snapshot().Latency); err != nil {
				logger.Warn("journal end failed", zap.String("session", s.ID()), zap.Error(err))
			}
		}
	}

	lifecycle.Add("gateway", server.NewGatewayService(factory, cfg.Retry, hooks, logger))

	logger.Info("bot initialized", zap.Duration("startup", time.Since(start)))

	return lifecycle.Run(ctx)
}
