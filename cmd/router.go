package main

import (
	"encoding/json"
	"net/http"
	"time"
)

type upstreamStatus struct {
	Upstream string `json:"upstream"`
	Healthy  bool   `json:"healthy"`
	Active   int    `json:"active_requests"`
	Latency  string `json:"latency_ewma,omitempty"`
	Breaker  string `json:"breaker,omitempty"`
}

func setupRouter(a *app) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", a.collector.PrometheusHandler())
	mux.HandleFunc("GET /stats", a.collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", a.readiness)

	return mux
}

// readiness answers 503 while any upstream failed its last probe.
func (a *app) readiness(w http.ResponseWriter, r *http.Request) {
	var breakers map[string]string
	if a.breakers != nil {
		breakers = make(map[string]string)
		for name, state := range a.breakers.Stats() {
			breakers[name] = state.String()
		}
	}

	ready := true
	status := make(map[string]upstreamStatus, len(a.upstreams))
	for _, u := range a.upstreams {
		prefix := u.Mount().Prefix()
		healthy := u.IsHealthy()
		ready = ready && healthy

		status[prefix] = upstreamStatus{
			Upstream: u.URL().Host,
			Healthy:  healthy,
			Active:   u.ActiveConnections(),
			Latency:  latency(u.EWMATime()),
			Breaker:  breakers[prefix],
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func latency(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.Round(time.Microsecond).String()
}
