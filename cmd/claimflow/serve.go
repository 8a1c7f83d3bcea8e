package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/openapi"
	"github.com/pitabwire/claimflow/internal/transport"
	"github.com/pitabwire/claimflow/internal/workflow"
)

func newServeCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, nil)
		},
	}
}

// serve runs the server until ctx is done. When ready is non-nil it receives
// the listening address once the server accepts connections.
func serve(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "claimflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}

	api, err := openapi.Load(ctx)
	if err != nil {
		return fmt.Errorf("openapi: %w", err)
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(reg)
	if b.stats != nil {
		metrics.ObserveEventBroker(b.stats)
	}

	engineOpts := []workflow.EngineOption{
		workflow.WithObserver(metrics),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithStoreTimeout(cfg.Workflow.StoreTimeout),
	}
	if b.broker != nil {
		engineOpts = append(engineOpts, workflow.WithPublisher(b.broker))
	}
	engine := workflow.NewEngine(cat, b.store, engineOpts...)

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger.Named("auth"))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	deps := transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Engine:       engine,
		Catalog:      cat,
		Idempotency:  b.idempotency,
		API:          api,
		Metrics:      metrics,
		Gatherer:     reg,
		Readiness:    b.readiness(func() bool { return len(cat.OrderedSteps()) > 0 }),
		Authenticate: authenticate,
	}
	if b.broker != nil {
		deps.Events = b.broker
	}
	streamsDone := make(chan struct{})
	deps.StreamsDone = streamsDone

	srv := &http.Server{
		Handler:           transport.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("server started",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("events", cfg.Workflow.Events.Driver),
		zap.Int("steps", len(cat.OrderedSteps())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	srv.RegisterOnShutdown(func() { close(streamsDone) })
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
