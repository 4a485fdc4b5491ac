package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/subpath-proxy/config"
	"github.com/angeloszaimis/subpath-proxy/internal/healthcheck"
	"github.com/angeloszaimis/subpath-proxy/internal/httpserver"
	"github.com/angeloszaimis/subpath-proxy/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and the admin listener",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to build mounts", slog.Any("err", err))
		return err
	}
	defer a.Close()

	return serve(ctx, cfg, a, log)
}

func serve(ctx context.Context, cfg *config.Config, a *app, log *slog.Logger) error {
	timeouts := httpserver.WithTimeouts(httpserver.Timeouts{
		ReadHeader: config.Duration(cfg.Server.ReadHeaderTimeout),
		Read:       config.Duration(cfg.Server.ReadTimeout),
		Write:      config.Duration(cfg.Server.WriteTimeout),
		Idle:       config.Duration(cfg.Server.IdleTimeout),
	})

	servers := make([]*httpserver.Server, 0, 2)

	srv, err := httpserver.New(cfg.Server.Address,
		otelhttp.NewHandler(a.handler, "subpath.proxy"),
		timeouts, httpserver.WithLogger(log))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}
	servers = append(servers, srv)

	if cfg.Server.AdminAddress != "" {
		admin, err := httpserver.New(cfg.Server.AdminAddress, setupRouter(a), httpserver.WithLogger(log))
		if err != nil {
			log.Error("Failed to create admin server", slog.Any("err", err))
			return err
		}
		servers = append(servers, admin)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The collector stops only after the servers have drained.
	collectorCtx, stopCollector := context.WithCancel(context.WithoutCancel(ctx))
	a.collector.Start(collectorCtx)
	defer func() {
		stopCollector()
		a.collector.Wait()
	}()

	if cfg.HealthCheck.Enabled {
		interval := config.Duration(cfg.HealthCheck.Interval)
		timeout := config.Duration(cfg.HealthCheck.Timeout)
		for _, u := range a.upstreams {
			g.Go(func() error {
				healthcheck.HealthCheck(gctx, u, interval, timeout, log, a.healthChanged)
				return nil
			})
		}
	}

	for _, s := range servers {
		g.Go(func() error {
			log.Info("Listening", slog.String("addr", s.Addr()))
			return s.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		for _, s := range servers {
			if err := s.Shutdown(context.Background()); err != nil {
				log.Error("Error during shutdown", slog.String("addr", s.Addr()), slog.Any("err", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", slog.Any("err", err))
		return err
	}

	return nil
}
