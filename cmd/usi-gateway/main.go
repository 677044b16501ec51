// Command usi-gateway serves browser clients over websockets and keeps one
// Engine Session per session key, backed by engines on a usi-supervisor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/gateway"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/pidfile"
	"github.com/codefionn/usibridge/internal/pprof"
	"github.com/codefionn/usibridge/internal/securemem"
	"github.com/codefionn/usibridge/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		config.Exitf("Error: %v", err)
	}
}

func run() (err error) {
	cfg, err := config.LoadGateway()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.Level), cfg.Path); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	secret := securemem.NewSecret(cfg.Secret)
	cfg.Secret = ""
	defer securemem.Purge()
	defer secret.Destroy()

	if cfg.PIDFile != "" {
		pid := pidfile.New(cfg.PIDFile)
		if err := pid.Acquire(); err != nil {
			return err
		}
		defer func() {
			if releaseErr := pid.Release(); releaseErr != nil {
				logger.Warn("Failed to remove pid file: %v", releaseErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiler := pprof.NewHandler(pprof.Config{
		Addr:                 cfg.PprofAddr,
		BlockProfileRate:     cfg.BlockProfileRate,
		MutexProfileFraction: cfg.MutexProfileFraction,
	})
	if err := profiler.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		if stopErr := profiler.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("%v", stopErr)
		}
	}()

	client := upstream.NewClient(cfg.SupervisorAddress(), secret, cfg.ConnectTimeout)
	registry := gateway.NewRegistry(context.Background(), gateway.SessionOptions(client, cfg))
	server := gateway.NewServer(gateway.Options{
		Address:        cfg.Address(),
		AllowedOrigins: cfg.AllowedOrigins,
		Registry:       registry,
	})
	logger.Info("Using supervisor at %s", cfg.SupervisorAddress())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("Shutting down gateway...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}
