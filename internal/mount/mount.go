package mount

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// RootPrefix is the prefix of the top-level application.
	RootPrefix = "/"

	DefaultScript = "index.php"
)

var (
	ErrInvalidPrefix   = errors.New("mount: invalid prefix")
	ErrInvalidUpstream = errors.New("mount: invalid upstream address")
	ErrInvalidScript   = errors.New("mount: invalid script name")
	ErrDuplicatePrefix = errors.New("mount: duplicate prefix")
)

// Options describes a mount before registration.
type Options struct {
	Prefix         string
	DocumentRoot   string
	Upstream       string
	Script         string
	StaticFallback bool
	IndexFiles     []string
}

// Mount maps a subdirectory prefix to one backend application and its
// document root. It is immutable once created.
type Mount struct {
	prefix         string
	documentRoot   string
	upstream       *url.URL
	script         string
	staticFallback bool
	indexFiles     []string
}

// New validates opts and returns the resulting Mount.
func New(opts Options) (*Mount, error) {
	prefix, err := NormalizePrefix(opts.Prefix)
	if err != nil {
		return nil, err
	}

	upstream, err := ParseUpstream(opts.Upstream)
	if err != nil {
		return nil, err
	}

	script := strings.TrimPrefix(opts.Script, "/")
	if script == "" {
		script = DefaultScript
	}
	if strings.Contains(script, "/") || script == "." || script == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScript, opts.Script)
	}

	indexFiles := make([]string, 0, len(opts.IndexFiles))
	for _, name := range opts.IndexFiles {
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		indexFiles = append(indexFiles, name)
	}

	return &Mount{
		prefix:         prefix,
		documentRoot:   opts.DocumentRoot,
		upstream:       upstream,
		script:         script,
		staticFallback: opts.StaticFallback && opts.DocumentRoot != "",
		indexFiles:     indexFiles,
	}, nil
}

// Prefix returns the normalized prefix, e.g. "/admin" or "/".
func (m *Mount) Prefix() string {
	return m.prefix
}

// DocumentRoot returns the directory static files are served from.
func (m *Mount) DocumentRoot() string {
	return m.documentRoot
}

// Upstream returns a copy of the upstream base URL.
func (m *Mount) Upstream() *url.URL {
	u := *m.upstream
	return &u
}

// Script returns the name of the front controller, e.g. "index.php".
func (m *Mount) Script() string {
	return m.script
}

// StaticFallback reports whether static files are looked up before the
// request is handed to the upstream.
func (m *Mount) StaticFallback() bool {
	return m.staticFallback
}

// IndexFiles returns the static directory index candidates in order.
func (m *Mount) IndexFiles() []string {
	out := make([]string, len(m.indexFiles))
	copy(out, m.indexFiles)
	return out
}

// IsRoot reports whether m is the top-level application.
func (m *Mount) IsRoot() bool {
	return m.prefix == RootPrefix
}

// Owns reports whether path falls under the mount at a segment boundary.
func (m *Mount) Owns(path string) bool {
	if m.IsRoot() {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, m.prefix) {
		return false
	}
	return len(path) == len(m.prefix) || path[len(m.prefix)] == '/'
}

// Remainder returns the part of path after the prefix, always starting with
// "/". Callers must check Owns first.
func (m *Mount) Remainder(path string) string {
	if m.IsRoot() {
		return path
	}
	rest := path[len(m.prefix):]
	if rest == "" {
		return "/"
	}
	return rest
}

func (m *Mount) String() string {
	return m.prefix + " -> " + m.upstream.Host
}

// NormalizePrefix trims a single trailing slash and rejects prefixes that
// would make matching ambiguous.
func NormalizePrefix(prefix string) (string, error) {
	if prefix == RootPrefix {
		return prefix, nil
	}
	if !strings.HasPrefix(prefix, "/") {
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidPrefix, prefix)
	}

	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return RootPrefix, nil
	}

	for _, seg := range strings.Split(prefix[1:], "/") {
		switch seg {
		case "", ".", "..":
			return "", fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidPrefix, prefix)
		}
	}

	if strings.ContainsAny(prefix, "?#%") {
		return "", fmt.Errorf("%w: %q contains reserved characters", ErrInvalidPrefix, prefix)
	}

	return prefix, nil
}

// ParseUpstream accepts "host:port" or "http://host:port".
func ParseUpstream(addr string) (*url.URL, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUpstream)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpstream, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme %q is not supported", ErrInvalidUpstream, u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return nil, fmt.Errorf("%w: %q must be host:port", ErrInvalidUpstream, addr)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("%w: %q must not carry a path", ErrInvalidUpstream, addr)
	}

	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}
