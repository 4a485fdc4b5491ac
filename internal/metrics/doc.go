// Package metrics collects per-mount request metrics for the proxy.
//
// Events flow through a buffered channel into a single goroutine, so the
// request path never waits on metrics. Each event updates two views:
//   - an in-memory snapshot with response time percentiles (P50, P95, P99),
//     served as JSON on the admin listener
//   - Prometheus counters, histograms and gauges on a private registry
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Mount:      "/admin",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Emit drops events instead of blocking when the buffer is full. Pending
// events are drained when the context is cancelled.
package metrics
