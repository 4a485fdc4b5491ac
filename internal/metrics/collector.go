package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventStaticServed      EventType = "static_served"
	EventDispatched        EventType = "dispatched"
	EventResponseCompleted EventType = "response_completed"
	EventUpstreamError     EventType = "upstream_error"
	EventHealthChanged     EventType = "health_changed"
	EventBreakerChanged    EventType = "breaker_changed"
)

// Unmatched labels requests no mount claimed.
const Unmatched = "unmatched"

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Mount      string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// Reason carries the error kind or breaker state.
	Reason string
}

type Collector struct {
	eventCh    chan MetricEvent
	metrics    *Metrics
	prometheus *promMetrics
	logger     *slog.Logger
	done       chan struct{}
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh:    make(chan MetricEvent, bufferSize),
		metrics:    NewMetrics(),
		prometheus: newPromMetrics(),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking. It reports false when the buffer is
// full and the event was dropped.
func (c *Collector) Emit(event MetricEvent) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
		return true
	default:
		c.prometheus.droppedEvents.Inc()
		return false
	}
}

// Start processes events until ctx is cancelled, then drains the queue.
// It must be called at most once.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Wait blocks until a started collector has drained and stopped.
func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")
	defer close(c.done)

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	mount := event.Mount
	if mount == "" {
		mount = Unmatched
	}

	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(mount)
		c.prometheus.requests.WithLabelValues(mount).Inc()

	case EventStaticServed:
		c.metrics.RecordStatic(mount)
		c.prometheus.routed.WithLabelValues(mount, "static").Inc()

	case EventDispatched:
		c.metrics.RecordDispatch(mount)
		c.prometheus.routed.WithLabelValues(mount, "upstream").Inc()

	case EventResponseCompleted:
		c.metrics.RecordResponse(mount, event.Duration, event.StatusCode)
		c.prometheus.observeResponse(mount, event.Duration, event.StatusCode)

	case EventUpstreamError:
		c.metrics.RecordError(mount, event.Reason)
		c.prometheus.upstreamErrors.WithLabelValues(mount, event.Reason).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(mount, event.Healthy)
		c.prometheus.setHealthy(mount, event.Healthy)

	case EventBreakerChanged:
		c.metrics.UpdateBreakerState(mount, event.Reason)
		c.prometheus.breakerTransitions.WithLabelValues(mount, event.Reason).Inc()

	default:
		c.logger.Warn("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
