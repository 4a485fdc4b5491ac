package rewrite

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/angeloszaimis/subpath-proxy/internal/mount"
)

type Mode string

const (
	ModeHeader Mode = "header"
	ModeQuery  Mode = "query"
)

const (
	DefaultHeader   = "X-Path-Info"
	DefaultQueryKey = "_path_info"

	ScriptNameHeader = "X-Script-Name"
)

var (
	ErrMalformedRewrite = errors.New("rewrite: malformed internal route")
	ErrInvalidMode      = errors.New("rewrite: invalid path-info mode")
)

// Route is the internal representation of one dynamic request. It lives for
// a single request and is never shared.
type Route struct {
	Mount      *mount.Mount
	ScriptPath string
	PathInfo   string
	Query      string
}

// Engine builds Routes. It is immutable and safe for concurrent use.
type Engine struct {
	mode     Mode
	header   string
	queryKey string
}

// NewEngine returns an Engine for mode. Empty header and key fall back to
// DefaultHeader and DefaultQueryKey.
func NewEngine(mode Mode, header, queryKey string) (*Engine, error) {
	if mode == "" {
		mode = ModeHeader
	}
	if mode != ModeHeader && mode != ModeQuery {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if header == "" {
		header = DefaultHeader
	}
	if !httpguts.ValidHeaderFieldName(header) {
		return nil, fmt.Errorf("%w: header name %q", ErrInvalidMode, header)
	}
	if strings.EqualFold(header, ScriptNameHeader) {
		return nil, fmt.Errorf("%w: header name %q is reserved", ErrInvalidMode, header)
	}

	if queryKey == "" {
		queryKey = DefaultQueryKey
	}
	if url.QueryEscape(queryKey) != queryKey {
		return nil, fmt.Errorf("%w: query key %q must not need escaping", ErrInvalidMode, queryKey)
	}

	return &Engine{
		mode:     mode,
		header:   http.CanonicalHeaderKey(header),
		queryKey: queryKey,
	}, nil
}

func (e *Engine) Mode() Mode {
	return e.mode
}

// Header is the dedicated path-info header.
func (e *Engine) Header() string {
	return e.header
}

// QueryKey is the reserved path-info query key used in query mode.
func (e *Engine) QueryKey() string {
	return e.queryKey
}

// Build turns the escaped remainder and the client's raw query into a Route.
func (e *Engine) Build(m *mount.Mount, remainder, rawQuery string) (*Route, error) {
	pathInfo, err := decodePathInfo(remainder)
	if err != nil {
		return nil, err
	}

	if pathInfo == "/" || pathInfo == "/"+m.Script() {
		pathInfo = ""
	}

	route := &Route{
		Mount:      m,
		ScriptPath: path.Join(m.Prefix(), m.Script()),
		PathInfo:   pathInfo,
		Query:      rawQuery,
	}

	if e.mode == ModeQuery {
		route.Query = e.buildQuery(pathInfo, rawQuery)
	}

	return route, nil
}

// Apply points out at the route's script and attaches path-info in the
// configured transport. Client supplied copies of the routing headers are
// always removed first.
func (e *Engine) Apply(out *http.Request, route *Route) {
	e.Strip(out.Header)

	out.URL.Path = route.ScriptPath
	out.URL.RawPath = ""
	out.URL.RawQuery = route.Query

	out.Header.Set(ScriptNameHeader, route.ScriptPath)
	if e.mode == ModeHeader && route.PathInfo != "" {
		out.Header.Set(e.header, route.PathInfo)
	}
}

// Strip removes routing metadata headers from h.
func (e *Engine) Strip(h http.Header) {
	h.Del(e.header)
	h.Del(ScriptNameHeader)
}

// buildQuery drops any client supplied reserved key, keeps the other pairs
// byte for byte and puts the path-info pair first. A client key counts as
// reserved when a PHP front controller would file it under the same name.
func (e *Engine) buildQuery(pathInfo, rawQuery string) string {
	pairs := make([]string, 0, 4)
	if pathInfo != "" {
		pairs = append(pairs, e.queryKey+"="+url.QueryEscape(pathInfo))
	}

	reserved := scriptKey(e.queryKey)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil && scriptKey(k) == reserved {
			continue
		}
		pairs = append(pairs, pair)
	}

	return strings.Join(pairs, "&")
}

// scriptKey returns the variable name PHP registers for a decoded query key.
// An array suffix is cut and '.' or ' ' become '_'.
func scriptKey(key string) string {
	key = strings.TrimLeft(key, " ")
	if i := strings.IndexByte(key, '['); i > 0 {
		if strings.IndexByte(key[i:], ']') > 0 {
			key = key[:i]
		} else {
			key = key[:i] + "_" + key[i+1:]
		}
	}

	return strings.Map(func(r rune) rune {
		if r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, key)
}

func decodePathInfo(remainder string) (string, error) {
	decoded, err := url.PathUnescape(remainder)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedRewrite, err)
	}

	for i := 0; i < len(decoded); i++ {
		if c := decoded[i]; c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w: control character in path", ErrMalformedRewrite)
		}
	}

	decoded = mount.CleanPath(decoded)

	if !httpguts.ValidHeaderFieldValue(decoded) {
		return "", fmt.Errorf("%w: path is not a valid header value", ErrMalformedRewrite)
	}

	return decoded, nil
}
