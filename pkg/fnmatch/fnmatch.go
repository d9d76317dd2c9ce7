// Package fnmatch matches object keys against shell patterns the way
// Python's fnmatch does, so a publisher can protect remote objects that are
// not part of any manifest (news pages, legacy patch lists, old launchers).
//
// A pattern may use "*" for any run of characters, path separators included,
// "?" for any single character, "[seq]" for any character in seq and
// "[!seq]" for any character not in seq.
//
// A '[' without a closing ']' is taken literally.
package fnmatch

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var cache sync.Map // pattern -> *regexp.Regexp

// Match reports whether name matches pattern. Matching is case-sensitive.
func Match(pattern, name string) (bool, error) {
	re, err := compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}

// Matcher tests names against a fixed set of patterns.
type Matcher struct {
	patterns []string
	res      []*regexp.Regexp
}

// Compile prepares patterns for repeated matching. Blank patterns are
// dropped.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := compile(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, p)
		m.res = append(m.res, re)
	}
	return m, nil
}

// Match returns the first pattern name matches.
func (m *Matcher) Match(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for i, re := range m.res {
		if re.MatchString(name) {
			return m.patterns[i], true
		}
	}
	return "", false
}

// Patterns returns the compiled patterns in order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// Len is the number of patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := cache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(Translate(pattern))
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	cache.Store(pattern, re)
	return re, nil
}

// Translate returns the anchored regular expression for pattern.
func Translate(pattern string) string {
	var b strings.Builder
	b.WriteString("(?s:^")

	for i, n := 0, len(pattern); i < n; {
		c := pattern[i]
		i++

		switch c {
		case '*':
			for i < n && pattern[i] == '*' {
				i++
			}
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			writeClass(&b, pattern[i:end])
			i = end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString("$)")
	return b.String()
}

// classEnd finds the ']' closing a class whose body starts at i. A ']'
// directly after '[' or '[!' belongs to the body.
func classEnd(pattern string, i int) int {
	j := i
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for j < len(pattern) && pattern[j] != ']' {
		j++
	}
	if j >= len(pattern) {
		return -1
	}
	return j
}

// writeClass emits a regexp class for a non-empty body.
func writeClass(b *strings.Builder, body string) {
	b.WriteByte('[')
	if body[0] == '!' {
		b.WriteByte('^')
		body = body[1:]
	}
	for i := 0; i < len(body); i++ {
		if c := body[i]; c == '\\' || c == ']' {
			b.WriteByte('\\')
		}
		b.WriteByte(body[i])
	}
	b.WriteByte(']')
}
