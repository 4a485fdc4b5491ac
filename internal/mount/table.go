package mount

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Match is the result of a successful lookup.
type Match struct {
	Mount     *Mount
	Remainder string
}

// Table holds registered mounts ordered longest prefix first.
type Table struct {
	mounts []*Mount
}

// NewTable returns a Table over mounts. Registration order does not affect
// matching.
func NewTable(mounts ...*Mount) (*Table, error) {
	seen := make(map[string]bool, len(mounts))
	sorted := make([]*Mount, 0, len(mounts))

	for _, m := range mounts {
		if m == nil {
			continue
		}
		if seen[m.prefix] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePrefix, m.prefix)
		}
		seen[m.prefix] = true
		sorted = append(sorted, m)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].prefix) != len(sorted[j].prefix) {
			return len(sorted[i].prefix) > len(sorted[j].prefix)
		}
		return sorted[i].prefix < sorted[j].prefix
	})

	return &Table{mounts: sorted}, nil
}

// Match returns the mount owning p. ok is false when no prefix applies;
// callers treat that as the default application, not an error.
func (t *Table) Match(p string) (Match, bool) {
	if p == "" {
		p = "/"
	}

	for _, m := range t.mounts {
		if m.Owns(p) {
			return Match{Mount: m, Remainder: m.Remainder(p)}, true
		}
	}

	return Match{}, false
}

// Mounts returns the registered mounts, longest prefix first.
func (t *Table) Mounts() []*Mount {
	out := make([]*Mount, len(t.mounts))
	copy(out, t.mounts)
	return out
}

// Len returns the number of mounts.
func (t *Table) Len() int {
	return len(t.mounts)
}

// CleanPath removes dot segments and duplicate slashes from an escaped
// request path while keeping a trailing slash.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}

	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}

	return cleaned
}
