package backend

import (
	"net/url"
	"strings"

	"github.com/angeloszaimis/subpath-proxy/internal/mount"
)

// RewriteLocation keeps redirect targets under the mount prefix. Absolute
// URLs naming the upstream host are made host relative; URLs naming the
// client host keep their host. Other hosts and relative references are left
// alone.
func RewriteLocation(location string, m *mount.Mount, clientHost string) string {
	if location == "" {
		return location
	}

	u, err := url.Parse(location)
	if err != nil || u.Opaque != "" {
		return location
	}

	if u.Host != "" {
		switch {
		case strings.EqualFold(u.Host, m.Upstream().Host):
			u.Scheme, u.Host, u.User = "", "", nil
		case clientHost != "" && strings.EqualFold(u.Host, clientHost):
		default:
			return location
		}
		if u.Path == "" {
			u.Path = "/"
		}
	}

	if m.IsRoot() || !strings.HasPrefix(u.Path, "/") || m.Owns(u.Path) {
		return u.String()
	}

	if u.RawPath != "" {
		u.RawPath = m.Prefix() + u.RawPath
	}
	u.Path = m.Prefix() + u.Path

	return u.String()
}
