package relay

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/tailstream/stream"
)

// GlobFilter selects streams by name using glob patterns
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles patterns. Empty patterns match every stream.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		// '.' separates name segments so "orders.*" stops at the next dot
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid stream pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match returns true if id matches any configured pattern
func (f *GlobFilter) Match(id stream.StreamID) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(string(id)) {
			return true
		}
	}
	return false
}
