// Package httpserver wraps net/http.Server with address validation,
// proxy-friendly timeouts and a bounded graceful shutdown.
package httpserver
