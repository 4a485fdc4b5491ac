// Package circuitbreaker stops the proxy from hammering an upstream that keeps
// refusing connections or timing out.
//
// Each mount's upstream gets its own breaker with three states:
//
//   - CLOSED: requests pass through
//   - OPEN: requests are answered 503 without contacting the upstream
//   - HALF-OPEN: a single probe request is let through
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry([]string{"/admin"}, 5, 30*time.Second, nil)
//	cb, _ := registry.Get("/admin")
//	if cb.Allow() {
//	    // forward...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
