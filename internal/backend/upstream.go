package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/angeloszaimis/subpath-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/subpath-proxy/internal/mount"
	"github.com/angeloszaimis/subpath-proxy/internal/requestid"
	"github.com/angeloszaimis/subpath-proxy/internal/rewrite"
	"github.com/angeloszaimis/subpath-proxy/pkg/logger"
)

const (
	// MountHeader names the mount that answered. Upstreams cannot set it.
	MountHeader = "X-Upstream-Mount"

	ForwardedPrefixHeader = "X-Forwarded-Prefix"
)

const ewmaAlpha = 0.2

type routeKey struct{}

// Options tune an Upstream. Zero timeouts mean no limit.
type Options struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Breaker         *circuitbreaker.CircuitBreaker
	Logger          *slog.Logger
	// OnError is called for every failed dispatch that reached the
	// upstream, or was refused by an open breaker.
	OnError func(prefix string, err error)
}

// Upstream is the dispatcher for one mount. It tracks health, in-flight
// requests and response time.
type Upstream struct {
	mount     *mount.Mount
	url       *url.URL
	engine    *rewrite.Engine
	proxy     *httputil.ReverseProxy
	transport *http.Transport
	breaker   *circuitbreaker.CircuitBreaker
	logger    *slog.Logger
	onError   func(prefix string, err error)

	mutex            sync.Mutex
	isHealthy        bool
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

// New creates the dispatcher for m. The upstream starts healthy.
func New(m *mount.Mount, engine *rewrite.Engine, opts Options) *Upstream {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	u := &Upstream{
		mount:     m,
		url:       m.Upstream(),
		engine:    engine,
		transport: newTransport(opts),
		breaker:   opts.Breaker,
		logger:    log.With(slog.String("mount", m.Prefix())),
		onError:   opts.OnError,
		isHealthy: true,
	}

	u.proxy = &httputil.ReverseProxy{
		Rewrite:        u.rewriteRequest,
		Transport:      otelhttp.NewTransport(u.transport),
		ModifyResponse: u.modifyResponse,
		ErrorHandler:   u.handleError,
		ErrorLog:       slog.NewLogLogger(u.logger.Handler(), slog.LevelWarn),
	}

	return u
}

func newTransport(opts Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Dispatch forwards r to the upstream using route and streams the answer
// to w. Errors are written to w; nothing is retried.
func (u *Upstream) Dispatch(w http.ResponseWriter, r *http.Request, route *rewrite.Route) {
	log := logger.FromContext(r.Context(), u.logger)

	if route == nil || route.Mount != u.mount {
		log.Error("Refusing to dispatch without a route for this mount")
		WriteError(w, rewrite.ErrMalformedRewrite)
		return
	}

	if u.breaker != nil && !u.breaker.Allow() {
		log.Warn("Circuit open, rejecting request", slog.String("breaker", u.breaker.State().String()))
		u.report(ErrCircuitOpen)
		WriteError(w, ErrCircuitOpen)
		return
	}

	u.IncrementConn()
	defer u.DecrementConn()

	start := time.Now()
	// ReverseProxy panics with http.ErrAbortHandler after a partial body.
	defer func() { u.RecordResponse(time.Since(start)) }()

	ctx := context.WithValue(r.Context(), routeKey{}, route)
	u.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (u *Upstream) rewriteRequest(pr *httputil.ProxyRequest) {
	route := pr.In.Context().Value(routeKey{}).(*rewrite.Route)

	pr.SetURL(u.url)
	pr.Out.Host = pr.In.Host

	pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
	pr.SetXForwarded()

	pr.Out.Header.Del(ForwardedPrefixHeader)
	if !u.mount.IsRoot() {
		pr.Out.Header.Set(ForwardedPrefixHeader, u.mount.Prefix())
	}

	if id := requestid.FromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(requestid.Header, id)
	}

	u.engine.Apply(pr.Out, route)
}

func (u *Upstream) modifyResponse(resp *http.Response) error {
	if u.breaker != nil {
		// A 5xx answer is relayed to the client but still counts against
		// the upstream.
		if resp.StatusCode >= http.StatusInternalServerError {
			u.breaker.RecordFailure()
		} else {
			u.breaker.RecordSuccess()
		}
	}

	clientHost := ""
	if resp.Request != nil {
		clientHost = resp.Request.Host
	}

	for _, name := range []string{"Location", "Content-Location"} {
		if v := resp.Header.Get(name); v != "" {
			resp.Header.Set(name, RewriteLocation(v, u.mount, clientHost))
		}
	}

	resp.Header.Del(MountHeader)
	return nil
}

func (u *Upstream) handleError(w http.ResponseWriter, r *http.Request, err error) {
	err = classify(r.Context(), err)
	log := logger.FromContext(r.Context(), u.logger)

	if errors.Is(err, ErrClientGone) {
		if u.breaker != nil {
			u.breaker.Release()
		}
		log.Debug("Client disconnected before upstream answered")
		WriteError(w, err)
		return
	}

	if u.breaker != nil {
		u.breaker.RecordFailure()
	}
	u.report(err)

	log.Error("Upstream request failed",
		slog.String("upstream", u.url.Host),
		slog.Int("status", StatusFor(err)),
		slog.Any("err", err))

	WriteError(w, err)
}

func (u *Upstream) report(err error) {
	if u.onError != nil {
		u.onError(u.mount.Prefix(), err)
	}
}

// Mount returns the mount this upstream serves.
func (u *Upstream) Mount() *mount.Mount {
	return u.mount
}

// URL returns the upstream base URL.
func (u *Upstream) URL() *url.URL {
	return u.url
}

// Close drops idle upstream connections.
func (u *Upstream) Close() {
	u.transport.CloseIdleConnections()
}

// IncrementConn increments the in-flight request count.
func (u *Upstream) IncrementConn() {
	u.mutex.Lock()
	u.activeRequests++
	u.mutex.Unlock()
}

// DecrementConn decrements the in-flight request count.
func (u *Upstream) DecrementConn() {
	u.mutex.Lock()
	if u.activeRequests > 0 {
		u.activeRequests--
	}
	u.mutex.Unlock()
}

// ActiveConnections returns the number of in-flight requests.
func (u *Upstream) ActiveConnections() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.activeRequests
}

// IsHealthy returns true if the last probe reached the upstream.
func (u *Upstream) IsHealthy() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.isHealthy
}

// SetHealthy updates the health status.
// Returns true if the status changed, false if it was already in that state.
func (u *Upstream) SetHealthy(healthy bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.isHealthy == healthy {
		return false
	}

	u.isHealthy = healthy
	return true
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest request duration.
func (u *Upstream) RecordResponse(duration time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the exponentially weighted moving average response time.
// Returns 0 if no responses have been recorded yet.
func (u *Upstream) EWMATime() time.Duration {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		return 0
	}

	return u.ewmaResponseTime
}
