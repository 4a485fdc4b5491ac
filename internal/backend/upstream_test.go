package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/subpath-proxy/internal/backend"
	"github.com/angeloszaimis/subpath-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/subpath-proxy/internal/mount"
	"github.com/angeloszaimis/subpath-proxy/internal/requestid"
	"github.com/angeloszaimis/subpath-proxy/internal/rewrite"
)

type echoed struct {
	Method   string      `json:"method"`
	Path     string      `json:"path"`
	RawQuery string      `json:"raw_query"`
	Host     string      `json:"host"`
	Header   http.Header `json:"header"`
	Form     url.Values  `json:"form"`
}

func echoHandler(hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		Expect(r.ParseForm()).To(Succeed())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoed{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Host:     r.Host,
			Header:   r.Header,
			Form:     r.Form,
		})
	}
}

// swappable lets a running test server change behaviour between specs.
type swappable struct {
	mutex   sync.RWMutex
	handler http.Handler
}

func (s *swappable) Set(h http.Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handler = h
}

func (s *swappable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	h := s.handler
	s.mutex.RUnlock()
	h.ServeHTTP(w, r)
}

func closedAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

var _ = Describe("Upstream", func() {
	var (
		hits     atomic.Int64
		server   *httptest.Server
		handler  *swappable
		engine   *rewrite.Engine
		admin    *mount.Mount
		upstream *backend.Upstream
		opts     backend.Options
		errsMu   sync.Mutex
		errs     []error
	)

	newMount := func(addr string) *mount.Mount {
		m, err := mount.New(mount.Options{Prefix: "/admin", Upstream: addr})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	dispatch := func(req *http.Request) *httptest.ResponseRecorder {
		route, err := engine.Build(admin, strings.TrimPrefix(req.URL.EscapedPath(), "/admin"), req.URL.RawQuery)
		Expect(err).NotTo(HaveOccurred())
		w := httptest.NewRecorder()
		upstream.Dispatch(w, req, route)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) echoed {
		var e echoed
		Expect(json.Unmarshal(w.Body.Bytes(), &e)).To(Succeed())
		return e
	}

	BeforeEach(func() {
		hits.Store(0)
		errs = nil

		var err error
		engine, err = rewrite.NewEngine(rewrite.ModeHeader, "", "")
		Expect(err).NotTo(HaveOccurred())

		opts = backend.Options{
			ConnectTimeout:  time.Second,
			ResponseTimeout: time.Second,
			OnError: func(prefix string, err error) {
				errsMu.Lock()
				defer errsMu.Unlock()
				errs = append(errs, err)
			},
		}

		handler = &swappable{handler: echoHandler(&hits)}
		server = httptest.NewServer(handler)
		admin = newMount(server.Listener.Addr().String())
		upstream = backend.New(admin, engine, opts)
	})

	AfterEach(func() {
		upstream.Close()
		server.Close()
	})

	Describe("forwarding", func() {
		It("should send the internal route with path-info in its own header", func() {
			req := httptest.NewRequest(http.MethodPost, "http://example.com/admin/account-bank", strings.NewReader("name=foo"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			w := dispatch(req)
			Expect(w.Code).To(Equal(http.StatusOK))

			e := decode(w)
			Expect(e.Method).To(Equal(http.MethodPost))
			Expect(e.Path).To(Equal("/admin/index.php"))
			Expect(e.RawQuery).To(BeEmpty())
			Expect(e.Header.Get("X-Path-Info")).To(Equal("/account-bank"))
			Expect(e.Header.Get("X-Script-Name")).To(Equal("/admin/index.php"))
			Expect(e.Form).To(Equal(url.Values{"name": {"foo"}}))
		})

		It("should keep the client query and host", func() {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/users?tab=roles", nil)

			e := decode(dispatch(req))
			Expect(e.RawQuery).To(Equal("tab=roles"))
			Expect(e.Host).To(Equal("example.com"))
			Expect(e.Header.Get("X-Forwarded-Host")).To(Equal("example.com"))
			Expect(e.Header.Get("X-Forwarded-Prefix")).To(Equal("/admin"))
		})

		It("should replace client supplied routing headers", func() {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/", nil)
			req.Header.Set("X-Path-Info", "/forged")
			req.Header.Set("X-Script-Name", "/forged.php")
			req.Header.Set("X-Forwarded-Prefix", "/elsewhere")

			e := decode(dispatch(req))
			Expect(e.Header.Values("X-Path-Info")).To(BeEmpty())
			Expect(e.Header.Get("X-Script-Name")).To(Equal("/admin/index.php"))
			Expect(e.Header.Values("X-Forwarded-Prefix")).To(Equal([]string{"/admin"}))
		})

		It("should append the client address to X-Forwarded-For", func() {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil)
			req.RemoteAddr = "203.0.113.9:5555"
			req.Header.Set("X-Forwarded-For", "198.51.100.1")

			e := decode(dispatch(req))
			Expect(e.Header.Get("X-Forwarded-For")).To(Equal("198.51.100.1, 203.0.113.9"))
		})

		It("should propagate the request ID", func() {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil)
			req = req.WithContext(requestid.NewContext(req.Context(), "req-42"))

			e := decode(dispatch(req))
			Expect(e.Header.Get(requestid.Header)).To(Equal("req-42"))
		})

		It("should track response time and release the in-flight slot", func() {
			dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(upstream.ActiveConnections()).To(BeZero())
			Expect(upstream.EWMATime()).To(BeNumerically(">", 0))
		})

		It("should refuse a route built for another mount", func() {
			other, err := mount.New(mount.Options{Prefix: "/api", Upstream: "api:9001"})
			Expect(err).NotTo(HaveOccurred())
			route, err := engine.Build(other, "/x", "")
			Expect(err).NotTo(HaveOccurred())

			w := httptest.NewRecorder()
			upstream.Dispatch(w, httptest.NewRequest(http.MethodGet, "/admin/x", nil), route)
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(hits.Load()).To(BeZero())
		})
	})

	Describe("response relay", func() {
		BeforeEach(func() {
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "http://"+r.Header.Get("X-Upstream-Host")+"/login")
				w.Header().Set(backend.MountHeader, "/spoofed")
				w.WriteHeader(http.StatusFound)
			}))
		})

		It("should rewrite Location headers that leak the internal path", func() {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil)
			req.Header.Set("X-Upstream-Host", admin.Upstream().Host)

			w := dispatch(req)
			Expect(w.Code).To(Equal(http.StatusFound))
			Expect(w.Header().Get("Location")).To(Equal("/admin/login"))
			Expect(w.Header().Values(backend.MountHeader)).To(BeEmpty())
		})
	})

	Describe("failures", func() {
		It("should answer 502 when the upstream refuses connections", func() {
			upstream = backend.New(newMount(closedAddr()), engine, opts)
			admin = upstream.Mount()

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(w.Body.String()).To(Equal("Bad Gateway\n"))
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(MatchError(backend.ErrUpstreamUnreachable))
		})

		It("should answer 504 when the upstream is too slow", func() {
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			}))
			opts.ResponseTimeout = 50 * time.Millisecond
			upstream = backend.New(admin, engine, opts)

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/slow", nil))
			Expect(w.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(w.Body.String()).NotTo(ContainSubstring(admin.Upstream().Host))
			Expect(errs[0]).To(MatchError(backend.ErrUpstreamTimeout))
		})

		It("should not retry a POST when the upstream drops the connection", func() {
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				conn, _, err := http.NewResponseController(w).Hijack()
				Expect(err).NotTo(HaveOccurred())
				conn.Close()
			}))

			req := httptest.NewRequest(http.MethodPost, "http://example.com/admin/pay", strings.NewReader("amount=1"))
			w := dispatch(req)

			Expect(w.Code).To(Equal(http.StatusBadGateway))
			Expect(hits.Load()).To(Equal(int64(1)))
		})

		It("should abort the client connection after a partial response", func() {
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, buf, err := http.NewResponseController(w).Hijack()
				Expect(err).NotTo(HaveOccurred())
				buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
				buf.Flush()
				conn.Close()
			}))

			front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				route, err := engine.Build(admin, strings.TrimPrefix(r.URL.EscapedPath(), "/admin"), r.URL.RawQuery)
				Expect(err).NotTo(HaveOccurred())
				upstream.Dispatch(w, r, route)
			}))
			defer front.Close()

			resp, err := http.Get(front.URL + "/admin/report")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			_, err = io.ReadAll(resp.Body)
			Expect(err).To(HaveOccurred())

			Eventually(upstream.EWMATime).Should(BeNumerically(">", 0))
			Eventually(upstream.ActiveConnections).Should(BeZero())
		})

		It("should cancel the upstream call when the client goes away", func() {
			upstreamDone := make(chan struct{})
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer close(upstreamDone)
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			}))

			ctx, cancel := context.WithCancel(context.Background())
			req := httptest.NewRequest(http.MethodGet, "http://example.com/admin/long", nil).WithContext(ctx)

			finished := make(chan struct{})
			go func() {
				defer close(finished)
				dispatch(req)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			Eventually(upstreamDone, time.Second).Should(BeClosed())
			Eventually(finished, time.Second).Should(BeClosed())
			Expect(errs).To(BeEmpty())
		})
	})

	Describe("circuit breaker", func() {
		It("should reject requests without contacting the upstream while open", func() {
			cb := circuitbreaker.NewCircuitBreaker("/admin", 1, time.Minute, nil)
			cb.RecordFailure()
			opts.Breaker = cb
			upstream = backend.New(admin, engine, opts)

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(hits.Load()).To(BeZero())
			Expect(errors.Is(errs[0], backend.ErrCircuitOpen)).To(BeTrue())
		})

		It("should open after repeated connection failures", func() {
			cb := circuitbreaker.NewCircuitBreaker("/admin", 2, time.Minute, nil)
			opts.Breaker = cb
			upstream = backend.New(newMount(closedAddr()), engine, opts)
			admin = upstream.Mount()

			dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("should count server errors from the upstream as failures", func() {
			handler.Set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
			}))
			cb := circuitbreaker.NewCircuitBreaker("/admin", 2, time.Minute, nil)
			opts.Breaker = cb
			upstream = backend.New(admin, engine, opts)

			for i := 0; i < 2; i++ {
				w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
				Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
				Expect(w.Body.String()).To(ContainSubstring("down for maintenance"))
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(hits.Load()).To(Equal(int64(2)))
		})

		It("should keep client errors from opening the breaker", func() {
			handler.Set(http.NotFoundHandler())
			cb := circuitbreaker.NewCircuitBreaker("/admin", 1, time.Minute, nil)
			opts.Breaker = cb
			upstream = backend.New(admin, engine, opts)

			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/missing", nil))
			Expect(w.Code).To(Equal(http.StatusNotFound))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should close again on a successful response", func() {
			cb := circuitbreaker.NewCircuitBreaker("/admin", 1, 10*time.Millisecond, nil)
			cb.RecordFailure()
			opts.Breaker = cb
			upstream = backend.New(admin, engine, opts)

			time.Sleep(20 * time.Millisecond)
			w := dispatch(httptest.NewRequest(http.MethodGet, "http://example.com/admin/x", nil))
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Describe("health tracking", func() {
		It("should start healthy and report changes", func() {
			Expect(upstream.IsHealthy()).To(BeTrue())
			Expect(upstream.SetHealthy(false)).To(BeTrue())
			Expect(upstream.SetHealthy(false)).To(BeFalse())
			Expect(upstream.IsHealthy()).To(BeFalse())
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(healthy bool) {
					defer wg.Done()
					upstream.SetHealthy(healthy)
					upstream.IncrementConn()
					upstream.DecrementConn()
					_ = upstream.IsHealthy()
				}(i%2 == 0)
			}
			wg.Wait()
			Expect(upstream.ActiveConnections()).To(BeZero())
		})

		It("should not count below zero", func() {
			upstream.DecrementConn()
			Expect(upstream.ActiveConnections()).To(BeZero())
		})
	})
})
