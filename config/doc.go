// Package config loads the proxy configuration from a YAML file and
// environment variables. It defines the listeners, upstream timeouts, the
// path-info transport and the list of mounts, and validates all of them
// before anything starts.
package config
