package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/subpath-proxy/config"
	"github.com/angeloszaimis/subpath-proxy/internal/backend"
	"github.com/angeloszaimis/subpath-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/subpath-proxy/internal/fallback"
	"github.com/angeloszaimis/subpath-proxy/internal/handler"
	"github.com/angeloszaimis/subpath-proxy/internal/metrics"
	"github.com/angeloszaimis/subpath-proxy/internal/mount"
	"github.com/angeloszaimis/subpath-proxy/internal/rewrite"
)

// app holds everything built from one configuration.
type app struct {
	table     *mount.Table
	resolver  *fallback.Resolver
	engine    *rewrite.Engine
	upstreams []*backend.Upstream
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	handler   *handler.RouteHandler
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	return config.Load(path)
}

func buildTable(cfg *config.Config) (*mount.Table, error) {
	mounts := make([]*mount.Mount, 0, len(cfg.Mounts))
	for _, mc := range cfg.Mounts {
		m, err := mount.New(mc.Options(cfg.Static))
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	return mount.NewTable(mounts...)
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	table, err := buildTable(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := rewrite.NewEngine(
		rewrite.Mode(cfg.Proxy.PathInfoMode),
		cfg.Proxy.PathInfoHeader,
		cfg.Proxy.PathInfoKey,
	)
	if err != nil {
		return nil, err
	}

	resolver, err := fallback.New(table.Mounts(), cfg.Static.DynamicExtensions)
	if err != nil {
		return nil, err
	}

	a := &app{
		table:     table,
		resolver:  resolver,
		engine:    engine,
		collector: metrics.NewCollector(cfg.Metrics.BufferSize, log),
	}

	if cfg.CircuitBreaker.Enabled {
		prefixes := make([]string, 0, table.Len())
		for _, m := range table.Mounts() {
			prefixes = append(prefixes, m.Prefix())
		}
		a.breakers = circuitbreaker.NewRegistry(
			prefixes,
			cfg.CircuitBreaker.Threshold,
			config.Duration(cfg.CircuitBreaker.ResetTimeout),
			a.breakerChanged(log),
		)
		log.Debug("Circuit breakers armed", slog.Any("mounts", a.breakers.Names()))
	}

	for _, m := range table.Mounts() {
		opts := backend.Options{
			ConnectTimeout:  config.Duration(cfg.Proxy.ConnectTimeout),
			ResponseTimeout: config.Duration(cfg.Proxy.ResponseTimeout),
			Logger:          log,
			OnError:         a.upstreamFailed,
		}
		if a.breakers != nil {
			opts.Breaker, _ = a.breakers.Get(m.Prefix())
		}

		a.upstreams = append(a.upstreams, backend.New(m, engine, opts))
		log.Info("Mounted application",
			slog.String("mount", m.Prefix()),
			slog.String("upstream", m.Upstream().Host),
			slog.Bool("static_fallback", m.StaticFallback()))
	}

	a.handler = handler.NewRouteHandler(log, table, resolver, engine, a.upstreams, a.collector)

	return a, nil
}

func (a *app) upstreamFailed(prefix string, err error) {
	a.collector.Emit(metrics.MetricEvent{
		Type:   metrics.EventUpstreamError,
		Mount:  prefix,
		Reason: backend.ErrorKind(err),
	})
}

func (a *app) breakerChanged(log *slog.Logger) circuitbreaker.StateChangeFunc {
	return func(name string, from, to circuitbreaker.State) {
		log.Warn("Circuit breaker changed state",
			slog.String("mount", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))

		a.collector.Emit(metrics.MetricEvent{
			Type:   metrics.EventBreakerChanged,
			Mount:  name,
			Reason: to.String(),
		})
	}
}

func (a *app) healthChanged(prefix string, healthy bool) {
	a.collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventHealthChanged,
		Mount:   prefix,
		Healthy: healthy,
	})
}

func (a *app) Close() error {
	for _, u := range a.upstreams {
		u.Close()
	}
	return a.resolver.Close()
}
