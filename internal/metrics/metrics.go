package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	static        map[string]int64
	dispatched    map[string]int64
	errors        map[string]map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	breakerState  map[string]string
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                   `json:"total_requests"`
	Uptime        time.Duration           `json:"uptime"`
	Mounts        map[string]MountMetrics `json:"mounts"`
}

type MountMetrics struct {
	Requests     int64            `json:"requests"`
	Static       int64            `json:"static"`
	Dispatched   int64            `json:"dispatched"`
	Healthy      bool             `json:"healthy"`
	BreakerState string           `json:"breaker_state,omitempty"`
	Errors       map[string]int64 `json:"errors,omitempty"`
	AvgResponse  time.Duration    `json:"avg_response"`
	P50Response  time.Duration    `json:"p50_response"`
	P95Response  time.Duration    `json:"p95_response"`
	P99Response  time.Duration    `json:"p99_response"`
	StatusCodes  map[int]int64    `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		static:        make(map[string]int64),
		dispatched:    make(map[string]int64),
		errors:        make(map[string]map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		breakerState:  make(map[string]string),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementRequests(mount string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[mount]++
}

func (m *Metrics) RecordStatic(mount string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.static[mount]++
}

func (m *Metrics) RecordDispatch(mount string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dispatched[mount]++
}

func (m *Metrics) RecordError(mount, kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.errors[mount] == nil {
		m.errors[mount] = make(map[string]int64)
	}
	m.errors[mount][kind]++
}

func (m *Metrics) RecordResponse(mount string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[mount] = append(m.responseTimes[mount], duration)

	if len(m.responseTimes[mount]) > maxSamples {
		m.responseTimes[mount] = m.responseTimes[mount][1:]
	}

	if m.statusCodes[mount] == nil {
		m.statusCodes[mount] = make(map[int]int64)
	}
	m.statusCodes[mount][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(mount string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[mount] = healthy
}

func (m *Metrics) UpdateBreakerState(mount, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerState[mount] = state
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime: time.Since(m.startTime),
		Mounts: make(map[string]MountMetrics),
	}

	all := make(map[string]bool)
	for _, known := range []map[string]int64{m.requests, m.static, m.dispatched} {
		for mount := range known {
			all[mount] = true
		}
	}
	for mount := range m.responseTimes {
		all[mount] = true
	}
	for mount := range m.healthStatus {
		all[mount] = true
	}

	for mount := range all {
		snap.TotalRequests += m.requests[mount]

		healthy, seen := m.healthStatus[mount]
		mm := MountMetrics{
			Requests:     m.requests[mount],
			Static:       m.static[mount],
			Dispatched:   m.dispatched[mount],
			Healthy:      healthy || !seen,
			BreakerState: m.breakerState[mount],
			Errors:       copyCounts(m.errors[mount]),
			StatusCodes:  copyCounts(m.statusCodes[mount]),
		}

		durations := m.responseTimes[mount]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			mm.AvgResponse = average(sorted)
			mm.P50Response = percentile(sorted, 0.50)
			mm.P95Response = percentile(sorted, 0.95)
			mm.P99Response = percentile(sorted, 0.99)
		}

		snap.Mounts[mount] = mm
	}

	return snap
}

func copyCounts[K comparable](in map[K]int64) map[K]int64 {
	if in == nil {
		return nil
	}
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
