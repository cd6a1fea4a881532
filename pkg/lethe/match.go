package lethe

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/gobwas/glob"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// DefaultExcludes covers version-control metadata, dependency caches and
// compiled artifacts.
var DefaultExcludes = []string{
	".git", ".hg", ".svn", ".bzr",
	"node_modules", "__pycache__", ".venv", "venv", ".tox", ".mypy_cache", ".pytest_cache",
	"*.pyc", "*.pyo", "*.pyd", "*.class", "*.o", "*.so", "*.dll",
}

// Rules select what a tree operation leaves out.
type Rules struct {
	// Exclude patterns match an entry's base name or its slash-separated
	// path relative to the tree root.
	Exclude []string
	// SkipPaths are absolute paths skipped verbatim.
	SkipPaths []string
}

// Matcher evaluates exclusion patterns.
type Matcher struct {
	raw   []string
	globs []glob.Glob
}

func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: exclude pattern %q: %w", domain.ErrInvalidArgument, p, err)
		}
		m.raw = append(m.raw, p)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether the entry at rel (slash-separated) is excluded.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	base := path.Base(rel)
	for _, g := range m.globs {
		if g.Match(base) || g.Match(rel) {
			return true
		}
	}
	return false
}

func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.raw...)
}

type compiledRules struct {
	matcher *Matcher
	skip    map[string]struct{}
}

func (r Rules) compile() (*compiledRules, error) {
	m, err := NewMatcher(r.Exclude)
	if err != nil {
		return nil, err
	}
	c := &compiledRules{matcher: m, skip: make(map[string]struct{}, len(r.SkipPaths))}
	for _, p := range r.SkipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: skip path %q: %w", domain.ErrInvalidArgument, p, err)
		}
		c.skip[abs] = struct{}{}
	}
	return c, nil
}

func (c *compiledRules) skipped(abs string) bool {
	_, ok := c.skip[abs]
	return ok
}

// MergeExcludes returns base followed by the patterns of extra not already present.
func MergeExcludes(base []string, extra ...string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range append(append([]string(nil), base...), extra...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
