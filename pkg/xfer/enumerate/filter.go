package enumerate

import (
	"fmt"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter is a compiled set of include/exclude glob patterns. A nil *Filter
// accepts everything. Patterns are matched both against the full relative
// path and, for patterns with no slash, against the path's base name, so
// that a bare pattern like "*.tmp" matches at any depth.
type Filter struct {
	includes []string
	excludes []string
}

// NewFilter compiles the specified include and exclude glob patterns. An
// empty includes list means "include everything" (exclusions still apply).
func NewFilter(includes, excludes []string) (*Filter, error) {
	for _, pattern := range includes {
		if _, err := doublestar.Match(pattern, "a"); err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range excludes {
		if _, err := doublestar.Match(pattern, "a"); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}
	return &Filter{includes: includes, excludes: excludes}, nil
}

// Patterns returns the compiled include and exclude patterns, for callers
// that need to fingerprint a Filter (e.g. to invalidate a cached probe when
// the filter used to produce it no longer matches). A nil Filter returns two
// nil slices.
func (f *Filter) Patterns() (includes, excludes []string) {
	if f == nil {
		return nil, nil
	}
	return f.includes, f.excludes
}

// Accepts reports whether the given relative path (slash-separated) should
// be enumerated.
func (f *Filter) Accepts(relativePath string) bool {
	if f == nil {
		return true
	}

	if len(f.includes) > 0 && !matchesAny(f.includes, relativePath) {
		return false
	}
	if matchesAny(f.excludes, relativePath) {
		return false
	}
	return true
}

func matchesAny(patterns []string, relativePath string) bool {
	base := path.Base(relativePath)
	for _, pattern := range patterns {
		if match, _ := doublestar.Match(pattern, relativePath); match {
			return true
		}
		if match, _ := doublestar.Match(pattern, base); match {
			return true
		}
	}
	return false
}
