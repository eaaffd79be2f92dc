package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cghttp "github.com/Strob0t/costgate/internal/adapter/http"
	cgotel "github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/resilience"
	"github.com/Strob0t/costgate/internal/service"
	"github.com/Strob0t/costgate/internal/worker"
)

func newServeCmd(f *rootFlags) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var p *string
			if cmd.Flags().Changed("port") {
				p = &port
			}
			cfg, flush, err := f.load(cmd, p)
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "override server.port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Backend,
		"ledger", cfg.Ledger.Backend,
		"rollup_dispatch", cfg.Rollup.Dispatch,
		"fail_open", cfg.Quota.FailOpen,
	)

	// --- Telemetry ---
	shutdownOTEL, err := cgotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cgotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	b, err := openBackends(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()

	l, err := resolverCache(ctx, cfg, b)
	if err != nil {
		return fmt.Errorf("resolver cache: %w", err)
	}

	pool := worker.New(cfg.Worker.Workers, cfg.Worker.QueueSize,
		worker.WithHooks(func(name string) { metrics.RecordDroppedJob(context.Background(), name) }, nil),
	)
	defer func() {
		pctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := pool.Close(pctx); err != nil {
			slog.Warn("worker pool close", "error", err)
		}
	}()

	breaker := resilience.NewBreaker("ledger", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})

	// --- Services ---
	resolver := service.NewResolver(b.store, l, cfg.Cache)
	resolver.SetMetrics(metrics)

	var invalidator service.CacheInvalidator = resolver
	if b.queue != nil {
		bi := service.NewBroadcastInvalidator(resolver, b.queue)
		cancelListen, err := bi.Listen(ctx)
		if err != nil {
			return fmt.Errorf("invalidation listener: %w", err)
		}
		defer cancelListen()
		invalidator = bi
	}

	events := service.NewEventService(b.events, pool)
	rollups := service.NewRollupService(b.ledger)
	rollups.SetMetrics(metrics)

	var dispatcher service.RollupDispatcher = service.NewLocalDispatcher(rollups, pool)
	if cfg.Rollup.Dispatch == "nats" {
		dispatcher = service.NewQueueDispatcher(b.queue, metrics)
		cancelConsume, err := rollups.Consume(ctx, b.queue, cfg.Rollup.Group)
		if err != nil {
			return fmt.Errorf("rollup consumer: %w", err)
		}
		defer cancelConsume()
	}

	costs := service.NewCostService(b.ledger, dispatcher)
	costs.SetMetrics(metrics)
	checker := service.NewChecker(resolver, b.ledger, breaker, events, cfg.Quota)
	checker.SetMetrics(metrics)

	// --- HTTP ---
	handlers := &cghttp.Handlers{
		Admin:   service.NewAdminService(b.store, invalidator, resolver, b.ledger),
		Checker: checker,
		Costs:   costs,
		Rollups: rollups,
		Events:  events,
		Pings:   b.pings,
		Breaker: breaker,
		Pool:    pool,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           cghttp.NewRouter(handlers, cfg.Server, cfg.OTEL.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if b.queue != nil {
		if err := b.queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	return nil
}
