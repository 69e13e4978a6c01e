package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/config"
)

// approvalSweepInterval is how often overdue approval chains are expired.
const approvalSweepInterval = time.Minute

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("serve", stderr)
	configPath := cmd.String("config", os.Getenv("PERMENGINE_CONFIG"), "Path to the YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration:\n%v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startServer(ctx, cfg, logger, stdout); err != nil {
		logger.Error("server failed", "error", err)
		return 2
	}
	return 0
}

// runServer serves until ctx ends, then drains in-flight requests within
// the configured shutdown timeout. SIGHUP reloads the policy bundle.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer) error {
	a, err := buildApp(ctx, cfg, logger, auditOut)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("permengine listening", "addr", cfg.Server.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go a.sweepApprovals(ctx, approvalSweepInterval)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				logger.Error("policy reload failed; keeping current snapshot", "error", err)
			}
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
			logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// sweepApprovals expires overdue approval chains until ctx ends.
func (a *app) sweepApprovals(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.tracker.ExpireOverdue(ctx)
			if err != nil {
				a.logger.Error("approval sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				a.logger.Info("approval chains expired", "count", len(expired))
			}
		}
	}
}
