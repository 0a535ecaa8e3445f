// Package hostmatch compiles wildcard host patterns into anchored,
// case-insensitive hostname matchers. A `*` in a pattern matches any run of
// characters; every other character is literal.
package hostmatch

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher reports whether a hostname matches any of its compiled patterns.
// A Matcher compiled from zero patterns matches nothing.
type Matcher struct {
	patterns []*regexp.Regexp
}

// Compile builds a Matcher from wildcard patterns such as
// "*.web.telegram.org". Patterns are anchored: the whole hostname must
// match, so "*.telegram.org" does not match "telegram.org.evil.com".
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i, literal := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(literal))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Matches reports whether hostname matches at least one pattern.
func (m *Matcher) Matches(hostname string) bool {
	for _, re := range m.patterns {
		if re.MatchString(hostname) {
			return true
		}
	}
	return false
}
