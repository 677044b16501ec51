// Command usi-supervisor runs USI engines on behalf of the gateway: each
// authenticated TCP connection names an engine, gets a fresh process and is
// relayed to its stdin and stdout until either side goes away.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/usibridge/internal/config"
	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
	"github.com/codefionn/usibridge/internal/pidfile"
	"github.com/codefionn/usibridge/internal/pprof"
	"github.com/codefionn/usibridge/internal/securemem"
	"github.com/codefionn/usibridge/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		config.Exitf("Error: %v", err)
	}
}

func run() (err error) {
	cfg, err := config.LoadSupervisor()
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
	if secret.IsEmpty() {
		logger.Warn("USI_SHARED_SECRET is empty, connections are not authenticated")
	}

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

	baseDir := ""
	if exe, exeErr := os.Executable(); exeErr == nil {
		baseDir = filepath.Dir(exe)
	}
	catalog := supervisor.NewCatalog(cfg.Engines, cfg.EnginesFile, baseDir)
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("failed to load engine catalog: %w", err)
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

	server := supervisor.NewServer(supervisor.Options{
		Address:        cfg.Address(),
		Protocol:       cfg.Protocol,
		Catalog:        catalog,
		Secret:         secret,
		MaxConnections: cfg.MaxConnections,
		Process: supervisor.ProcessOptions{
			QuitTimeout:      cfg.QuitTimeout,
			TerminateTimeout: cfg.TerminateTimeout,
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return catalog.Watch(gctx)
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("Shutting down supervisor...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}
