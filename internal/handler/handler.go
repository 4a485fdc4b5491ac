package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/subpath-proxy/internal/backend"
	"github.com/angeloszaimis/subpath-proxy/internal/fallback"
	"github.com/angeloszaimis/subpath-proxy/internal/metrics"
	"github.com/angeloszaimis/subpath-proxy/internal/mount"
	"github.com/angeloszaimis/subpath-proxy/internal/requestid"
	"github.com/angeloszaimis/subpath-proxy/internal/rewrite"
	"github.com/angeloszaimis/subpath-proxy/pkg/logger"
)

var ErrNoMountMatched = errors.New("handler: no mount matched")

// Plan is the routing decision for one request path.
type Plan struct {
	Mount     *mount.Mount
	Remainder string
	Decision  fallback.Decision
	// Route is nil when the request is answered from disk.
	Route *rewrite.Route
}

// RouteHandler runs every request through matching, static fallback,
// rewriting and dispatch.
type RouteHandler struct {
	logger           *slog.Logger
	table            *mount.Table
	resolver         *fallback.Resolver
	engine           *rewrite.Engine
	upstreams        map[*mount.Mount]*backend.Upstream
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func NewRouteHandler(
	logger *slog.Logger,
	table *mount.Table,
	resolver *fallback.Resolver,
	engine *rewrite.Engine,
	upstreams []*backend.Upstream,
	collector *metrics.Collector,
) *RouteHandler {
	byMount := make(map[*mount.Mount]*backend.Upstream, len(upstreams))
	for _, u := range upstreams {
		byMount[u.Mount()] = u
	}

	return &RouteHandler{
		logger:           logger,
		table:            table,
		resolver:         resolver,
		engine:           engine,
		upstreams:        byMount,
		metricsCollector: collector,
	}
}

func (h *RouteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id := requestid.FromRequest(r)
	w.Header().Set(requestid.Header, id)

	escaped := mount.CleanPath(r.URL.EscapedPath())
	log := h.logger.With(
		slog.String("request_id", id),
		slog.String("method", r.Method),
		slog.String("path", escaped),
		slog.String("client", extractClientIP(r)))

	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	plan, err := h.plan(log, escaped, r.URL.RawQuery)
	prefix := ""
	if plan.Mount != nil {
		prefix = plan.Mount.Prefix()
		log = log.With(slog.String("mount", prefix))
		w.Header().Set(backend.MountHeader, prefix)
	}

	h.emitEvent(metrics.MetricEvent{Type: metrics.EventRequestReceived, Mount: prefix})
	defer func() {
		h.emitEvent(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Mount:      prefix,
			Duration:   time.Since(start),
			StatusCode: rec.statusCode,
		})
	}()

	switch {
	case errors.Is(err, ErrNoMountMatched):
		log.Info("No mount matched")
		http.Error(rec, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	case err != nil:
		log.Error("Rejecting request", slog.Any("err", err))
		h.emitEvent(metrics.MetricEvent{Type: metrics.EventUpstreamError, Mount: prefix, Reason: backend.ErrorKind(err)})
		backend.WriteError(rec, err)
		return
	}

	ctx := requestid.NewContext(r.Context(), id)
	ctx = logger.IntoContext(ctx, log)
	r = r.WithContext(ctx)

	if plan.Route == nil {
		if h.serveStatic(rec, r, log, plan) {
			return
		}
		// The file vanished after it was resolved.
		plan.Route, err = h.engine.Build(plan.Mount, plan.Remainder, r.URL.RawQuery)
		if err != nil {
			backend.WriteError(rec, err)
			return
		}
	}

	upstream, ok := h.upstreams[plan.Mount]
	if !ok {
		log.Error("No upstream registered for mount")
		backend.WriteError(rec, backend.ErrNoUpstream)
		return
	}

	log.Debug("Forwarding to upstream",
		slog.String("script", plan.Route.ScriptPath),
		slog.String("path_info", plan.Route.PathInfo))

	h.emitEvent(metrics.MetricEvent{Type: metrics.EventDispatched, Mount: prefix})
	upstream.Dispatch(rec, r, plan.Route)
}

// Plan returns the routing decision for an escaped request path without
// serving it.
func (h *RouteHandler) Plan(escapedPath, rawQuery string) (Plan, error) {
	return h.plan(h.logger, mount.CleanPath(escapedPath), rawQuery)
}

func (h *RouteHandler) plan(log *slog.Logger, escaped, rawQuery string) (Plan, error) {
	match, ok := h.table.Match(escaped)
	if !ok {
		return Plan{}, ErrNoMountMatched
	}

	plan := Plan{Mount: match.Mount, Remainder: match.Remainder}

	decision, err := h.resolver.Resolve(match.Mount, match.Remainder)
	if err != nil {
		log.Warn("Static lookup failed, treating as dynamic", slog.Any("err", err))
	}
	plan.Decision = decision

	if decision.Static() {
		return plan, nil
	}

	plan.Route, err = h.engine.Build(match.Mount, match.Remainder, rawQuery)
	if err != nil {
		return plan, err
	}

	return plan, nil
}

// serveStatic reports false when nothing was written and the request should
// go to the upstream instead.
func (h *RouteHandler) serveStatic(w http.ResponseWriter, r *http.Request, log *slog.Logger, plan Plan) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return true
	}

	if err := h.resolver.Serve(w, r, plan.Decision); err != nil {
		log.Warn("Static file could not be served", slog.String("file", plan.Decision.Name), slog.Any("err", err))
		return false
	}

	log.Debug("Served static file", slog.String("file", plan.Decision.Name))
	h.emitEvent(metrics.MetricEvent{Type: metrics.EventStaticServed, Mount: plan.Mount.Prefix()})
	return true
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (h *RouteHandler) emitEvent(event metrics.MetricEvent) {
	if h.metricsCollector == nil {
		return
	}

	h.metricsCollector.Emit(event)
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing streamed upstream responses.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
