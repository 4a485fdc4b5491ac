package backend

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/angeloszaimis/subpath-proxy/internal/rewrite"
)

var (
	ErrUpstreamUnreachable = errors.New("backend: upstream unreachable")
	ErrUpstreamTimeout     = errors.New("backend: upstream timed out")
	ErrCircuitOpen         = errors.New("backend: circuit open")
	ErrClientGone          = errors.New("backend: client disconnected")
	ErrNoUpstream          = errors.New("backend: no upstream for mount")
)

// StatusFor maps a pipeline error to the status sent to the client.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, rewrite.ErrMalformedRewrite):
		return http.StatusInternalServerError
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnreachable), errors.Is(err, ErrClientGone):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind returns a short label for err, used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, rewrite.ErrMalformedRewrite):
		return "malformed_rewrite"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrClientGone):
		return "client_gone"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(err, ErrNoUpstream):
		return "no_upstream"
	default:
		return "internal"
	}
}

// WriteError answers with the bare status text so no route, template or
// upstream address reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	http.Error(w, http.StatusText(code), code)
}

// classify wraps a transport error in one of the package sentinels.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Join(ErrClientGone, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Join(ErrUpstreamTimeout, err)
	}

	return errors.Join(ErrUpstreamUnreachable, err)
}
