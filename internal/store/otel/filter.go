package otel

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/agentsh/jailhttpd/internal/config"
)

// Filter controls which records are exported.
type Filter struct {
	IncludeOutcomes []string
	ExcludeOutcomes []string
	// IncludeHosts use the virtual host name pattern syntax.
	IncludeHosts []string
}

type matcher struct {
	include []string
	exclude []string
	hosts   []glob.Glob
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{
		include: slices.Clone(f.IncludeOutcomes),
		exclude: slices.Clone(f.ExcludeOutcomes),
	}
	for _, p := range f.IncludeHosts {
		g, err := config.CompileHostPattern(p)
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", p, err)
		}
		m.hosts = append(m.hosts, g)
	}
	return m, nil
}

// Match returns true if a record with outcome and host should be exported.
func (m *matcher) Match(outcome, host string) bool {
	if m == nil {
		return true
	}
	if len(m.include) > 0 && !slices.Contains(m.include, outcome) {
		return false
	}
	if slices.Contains(m.exclude, outcome) {
		return false
	}
	if len(m.hosts) == 0 {
		return true
	}
	host = config.NormalizeHost(host)
	for _, g := range m.hosts {
		if g.Match(host) {
			return true
		}
	}
	return false
}
