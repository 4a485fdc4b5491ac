// Package healthcheck implements periodic reachability probes for mount
// upstreams. Results feed the readiness endpoint and the health gauge; they
// never change the mount table.
package healthcheck
