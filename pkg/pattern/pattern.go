// Package pattern provides the string matchers used for stack allow lists and
// ignored queries.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern reports whether a string matches.
type Pattern interface {
	Match(s string) bool
	String() string
}

type exact string

// Exact matches strings equal to s.
func Exact(s string) Pattern { return exact(s) }

func (e exact) Match(s string) bool { return string(e) == s }
func (e exact) String() string      { return string(e) }

type substring string

// Substring matches strings containing s.
func Substring(s string) Pattern { return substring(s) }

func (p substring) Match(s string) bool { return strings.Contains(s, string(p)) }
func (p substring) String() string      { return string(p) }

type expr struct {
	re *regexp.Regexp
}

// Regexp matches strings in which re finds a match.
func Regexp(re *regexp.Regexp) Pattern { return expr{re: re} }

// Compile parses expression as a regular expression pattern.
func Compile(expression string) (Pattern, error) {
	re, err := regexp.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", expression, err)
	}
	return expr{re: re}, nil
}

// MustCompile is like Compile but panics on an invalid expression.
func MustCompile(expression string) Pattern {
	p, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return p
}

func (p expr) Match(s string) bool { return p.re.MatchString(s) }
func (p expr) String() string      { return "/" + p.re.String() + "/" }

// List is an ordered set of patterns. The zero value matches nothing.
type List []Pattern

// Match reports whether any pattern in the list matches s.
func (l List) Match(s string) bool {
	for _, p := range l {
		if p.Match(s) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any pattern matches any of the values.
func (l List) MatchAny(values []string) bool {
	if len(l) == 0 {
		return false
	}
	for _, v := range values {
		if l.Match(v) {
			return true
		}
	}
	return false
}

// Concat returns a new list holding the patterns of every list in order.
func Concat(lists ...List) List {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make(List, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
