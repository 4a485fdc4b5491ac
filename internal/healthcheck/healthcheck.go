package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/subpath-proxy/internal/backend"
)

// ChangeFunc is called when an upstream's health flips.
type ChangeFunc func(prefix string, healthy bool)

// HealthCheck periodically dials the upstream of one mount and updates its
// health status until ctx is cancelled. A probe is a plain TCP connect, so
// it never sends a request the application could act on.
func HealthCheck(
	ctx context.Context,
	upstream *backend.Upstream,
	interval time.Duration,
	timeout time.Duration,
	logger *slog.Logger,
	onChange ChangeFunc,
) {
	dialer := &net.Dialer{Timeout: timeout}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	addr := upstream.URL().Host
	prefix := upstream.Mount().Prefix()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped", slog.String("mount", prefix))
			return
		case <-ticker.C:
			healthy := probe(ctx, dialer, addr)
			if ctx.Err() != nil {
				continue
			}

			if !upstream.SetHealthy(healthy) {
				continue
			}

			if healthy {
				logger.Info("Upstream is back up", slog.String("mount", prefix))
			} else {
				logger.Warn("Upstream is down", slog.String("mount", prefix))
			}
			if onChange != nil {
				onChange(prefix, healthy)
			}
		}
	}
}

func probe(ctx context.Context, dialer *net.Dialer, addr string) bool {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
