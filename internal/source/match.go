package source

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// nameMatcher matches names against Zabbix-style filters: a pattern holding
// '*' or '%' is a wildcard, anything else matches exactly or as the parent
// of a "name/child" subgroup.
type nameMatcher struct {
	exact []string
	globs []glob.Glob
}

func newNameMatcher(patterns []string) (*nameMatcher, error) {
	m := &nameMatcher{}
	for _, p := range patterns {
		if !isWildcard(p) {
			m.exact = append(m.exact, p)
			continue
		}
		g, err := glob.Compile(strings.ReplaceAll(p, "%", "*"))
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Empty reports whether the matcher has no patterns and so matches everything.
func (m *nameMatcher) Empty() bool {
	return len(m.exact) == 0 && len(m.globs) == 0
}

func (m *nameMatcher) Match(name string) bool {
	if m.Empty() {
		return true
	}
	for _, e := range m.exact {
		if name == e || strings.HasPrefix(name, e+"/") {
			return true
		}
	}
	for _, g := range m.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func isWildcard(p string) bool {
	return strings.ContainsAny(p, "*%")
}
