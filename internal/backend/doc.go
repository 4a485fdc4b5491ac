// Package backend forwards dynamic requests to a mount's upstream and relays
// the response.
//
// Each Upstream wraps an httputil.ReverseProxy whose Rewrite hook applies the
// internal route, whose transport enforces connect and response-header
// timeouts, and whose ModifyResponse hook keeps Location headers under the
// mount prefix. Failed requests are never retried.
package backend
