package session

import (
	"fmt"
	"regexp"
	"strings"
)

// Config selects which pages the session instruments.
type Config struct {
	// MatchPatterns restricts instrumentation to URLs matching at least
	// one pattern. A pattern is a URL with `*` wildcards, e.g.
	// "https://*.example.com/*". Empty means match everything.
	MatchPatterns []string `yaml:"match_patterns"`

	// IncludePrivate instruments pages in private surfaces. Off by
	// default: private surfaces are neither mirrored nor persisted, and
	// only instrumented surfaces feed the correlator caches (where the
	// privacy flag is kept intact for the dual time-source trackers).
	IncludePrivate bool `yaml:"include_private"`

	// ConsiderInput additionally requires recent user input for a surface
	// to count as attended.
	ConsiderInput bool `yaml:"consider_input"`

	compiled []*regexp.Regexp
}

func (c *Config) compile() error {
	c.compiled = c.compiled[:0]
	for _, p := range c.MatchPatterns {
		re, err := compilePattern(p)
		if err != nil {
			return fmt.Errorf("session: bad match pattern %q: %w", p, err)
		}
		c.compiled = append(c.compiled, re)
	}
	return nil
}

// instrument decides whether a page qualifies for mirroring.
func (c *Config) instrument(url string, private bool) bool {
	if private && !c.IncludePrivate {
		return false
	}
	if len(c.compiled) == 0 {
		return true
	}
	for _, re := range c.compiled {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// compilePattern turns a wildcard URL pattern into an anchored regexp.
// Only `*` is special; everything else matches literally.
func compilePattern(p string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(p, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
