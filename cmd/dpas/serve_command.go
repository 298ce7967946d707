package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/fileutil"
	"dpas/internal/gateway"
	"dpas/internal/logging"
	"dpas/internal/preflight"
	"dpas/internal/queue"
	"dpas/internal/results"
	"dpas/internal/vision"
	"dpas/internal/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var mode string
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress gateway (and workers in async mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if mode = strings.ToLower(strings.TrimSpace(mode)); mode != "" {
				cfg.Gateway.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := startServe(runCtx, cfg, logger, !noWorkers)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s (%s mode)\n", rt.server.Addr(), rt.server.Mode())
			<-runCtx.Done()
			logger.Info("dpas shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Override gateway.mode (async or sync)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "In async mode, only accept jobs; run consumers with `dpas worker`")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued jobs without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if count > 0 {
				cfg.Worker.Count = count
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := startWorkers(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			<-runCtx.Done()
			rt.Close()

			stats := rt.pool.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Completed %d jobs (%d duplicates), %d failed\n", stats.Completed, stats.Duplicates, stats.Failed)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Override worker.count")
	return cmd
}

// runtime holds everything a serve or worker process opened, closed in
// reverse order.
type runtime struct {
	server  *gateway.Server
	pool    *worker.Pool
	closers []func()
}

func (r *runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func startServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, withWorkers bool) (_ *runtime, err error) {
	opened := &runtime{}
	defer func() {
		if err != nil {
			opened.Close()
		}
	}()

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if err := preflight.Err(preflight.RunAll(cfg)); err != nil {
		return nil, err
	}

	lock, err := fileutil.TryLock(cfg.LockPath())
	if err != nil {
		if errors.Is(err, fileutil.ErrLocked) {
			return nil, fmt.Errorf("another dpas serve is using %s", cfg.Paths.DataDir)
		}
		return nil, err
	}
	opened.onClose(func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release serve lock", logging.Error(err))
		}
	})

	store, err := results.Open(cfg.Paths.ResultsDir)
	if err != nil {
		return nil, err
	}
	loader, err := vision.NewLoader(cfg)
	if err != nil {
		return nil, err
	}
	deps := gateway.Dependencies{Results: store}

	switch cfg.Gateway.Mode {
	case config.ModeAsync:
		q, err := openQueue(cfg, logger)
		if err != nil {
			return nil, err
		}
		opened.onClose(func() { _ = q.Close() })
		deps.Queue = q
		if withWorkers {
			pool := worker.NewPool(cfg, q, store, loader, logger)
			if err := pool.Start(ctx); err != nil {
				return nil, err
			}
			opened.pool = pool
			opened.onClose(pool.Stop)
		}
	case config.ModeSync:
		capability, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		opened.onClose(func() { closeCapability(capability, logger) })
		deps.Capability = capability
	}

	server, err := gateway.New(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	opened.server = server
	opened.onClose(server.Stop)
	return opened, nil
}

func startWorkers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	opened := &runtime{}
	defer func() {
		if err != nil {
			opened.Close()
		}
	}()

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if err := preflight.Err(preflight.RunAll(cfg)); err != nil {
		return nil, err
	}

	store, err := results.Open(cfg.Paths.ResultsDir)
	if err != nil {
		return nil, err
	}
	loader, err := vision.NewLoader(cfg)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(cfg, logger)
	if err != nil {
		return nil, err
	}
	opened.onClose(func() { _ = q.Close() })

	pool := worker.NewPool(cfg, q, store, loader, logger)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	opened.pool = pool
	opened.onClose(pool.Stop)
	return opened, nil
}

// openQueue opens the dispatch queue and returns expired leases to pending
// so jobs held by a crashed process are redelivered promptly.
func openQueue(cfg *config.Config, logger *slog.Logger) (*queue.Store, error) {
	q, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	reclaimed, err := q.ReclaimExpired(context.Background())
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	if reclaimed > 0 {
		logger.Info("reclaimed expired leases", logging.Int64("jobs", reclaimed))
	}
	return q, nil
}

func closeCapability(c detection.Capability, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close capability", logging.Error(err))
	}
}
