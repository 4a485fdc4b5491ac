// Package handler implements the client-facing HTTP handler of the proxy.
// Each request is matched to a mount, answered from the mount's document
// root when a static file exists, and otherwise rewritten to the mount's
// front controller and dispatched to its upstream.
package handler
