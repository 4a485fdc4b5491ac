package fallback

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/angeloszaimis/subpath-proxy/internal/mount"
)

type Kind int

const (
	KindDynamic Kind = iota
	KindFile
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindFile:
		return "file"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

var ErrNoDocumentRoot = errors.New("fallback: mount has no open document root")

// Decision is the outcome of a lookup. Name is relative to the mount's
// document root and only set for static kinds.
type Decision struct {
	Kind  Kind
	Mount *mount.Mount
	Name  string
}

// Static reports whether the request should be served from disk.
func (d Decision) Static() bool {
	return d.Kind == KindFile || d.Kind == KindIndex
}

// Resolver performs static lookups for every mount with static fallback
// enabled. It holds one os.Root per mount and is safe for concurrent use.
type Resolver struct {
	roots             map[*mount.Mount]*os.Root
	dynamicExtensions []string
	closeOnce         sync.Once
}

// New opens the document root of each mount that has static fallback
// enabled. Extensions listed in dynamicExtensions (e.g. ".php") are never
// served as static content.
func New(mounts []*mount.Mount, dynamicExtensions []string) (*Resolver, error) {
	r := &Resolver{
		roots: make(map[*mount.Mount]*os.Root, len(mounts)),
	}
	for _, ext := range dynamicExtensions {
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.dynamicExtensions = append(r.dynamicExtensions, strings.ToLower(ext))
	}

	for _, m := range mounts {
		if !m.StaticFallback() {
			continue
		}
		root, err := os.OpenRoot(m.DocumentRoot())
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open document root for %s: %w", m.Prefix(), err)
		}
		r.roots[m] = root
	}

	return r, nil
}

// Resolve looks up remainder, the still escaped path after the mount prefix.
// A non-nil error is only returned for unexpected filesystem failures; the
// returned Decision is then dynamic and the caller may carry on.
func (r *Resolver) Resolve(m *mount.Mount, remainder string) (Decision, error) {
	dynamic := Decision{Kind: KindDynamic, Mount: m}

	root, ok := r.roots[m]
	if !ok {
		return dynamic, nil
	}

	name, ok := relativeName(remainder)
	if !ok {
		return dynamic, nil
	}

	info, err := root.Stat(name)
	if err != nil {
		if isMissing(err) {
			return dynamic, nil
		}
		return dynamic, fmt.Errorf("stat %q under %s: %w", name, m.Prefix(), err)
	}

	switch {
	case info.Mode().IsRegular():
		if r.isDynamic(name) {
			return dynamic, nil
		}
		return Decision{Kind: KindFile, Mount: m, Name: name}, nil
	case info.IsDir():
		for _, index := range m.IndexFiles() {
			candidate := path.Join(name, index)
			if r.isDynamic(candidate) {
				continue
			}
			ii, err := root.Stat(candidate)
			if err == nil && ii.Mode().IsRegular() {
				return Decision{Kind: KindIndex, Mount: m, Name: candidate}, nil
			}
		}
	}

	return dynamic, nil
}

// Serve writes the static file named by d. Directory requests are answered
// in place without a trailing-slash redirect.
func (r *Resolver) Serve(w http.ResponseWriter, req *http.Request, d Decision) error {
	root, ok := r.roots[d.Mount]
	if !ok || !d.Static() {
		return ErrNoDocumentRoot
	}

	f, err := root.Open(d.Name)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	http.ServeContent(w, req, info.Name(), info.ModTime(), f)
	return nil
}

// Close releases every open document root.
func (r *Resolver) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		for _, root := range r.roots {
			if err := root.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (r *Resolver) isDynamic(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, dyn := range r.dynamicExtensions {
		if ext == dyn {
			return true
		}
	}
	return false
}

// relativeName turns an escaped remainder into a root relative name. Hidden
// segments and undecodable input are never looked up.
func relativeName(remainder string) (string, bool) {
	decoded, err := url.PathUnescape(remainder)
	if err != nil || strings.ContainsRune(decoded, 0) {
		return "", false
	}

	cleaned := path.Clean("/" + decoded)
	for _, seg := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", false
		}
	}

	name := strings.TrimPrefix(cleaned, "/")
	if name == "" {
		name = "."
	}
	return name, true
}

func isMissing(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		// ENOTDIR for "file.txt/x", and os.Root escapes through symlinks
		return !errors.Is(pathErr.Err, fs.ErrPermission)
	}
	return false
}
