// Package policy maps cache keys to the fetch policy of their resource:
// how long entries live, how long callers wait, and what a caller does when
// the key is already being computed.
package policy

import (
	"regexp"
	"time"
)

// Policy is the fetch behaviour of a group of keys. Zero fields fall back to
// the coordinator defaults.
type Policy struct {
	// TTL is the cache lifetime of a computed value.
	TTL time.Duration
	// Timeout bounds how long a caller waits for the computation it started.
	Timeout time.Duration
	// WaitOnMiss makes callers poll for a value that another caller is
	// computing instead of returning "in progress" at once.
	WaitOnMiss bool
	// WaitBudget bounds the polling when WaitOnMiss is set.
	WaitBudget time.Duration
}

type matchKind int

const (
	kindExact matchKind = iota
	kindPrefix
	kindRegex
)

type rule struct {
	kind    matchKind
	pattern string
	re      *regexp.Regexp
}

// GroupBuilder collects the rules of a named key group and its policy.
type GroupBuilder struct {
	name   string
	rules  []rule
	policy *Policy
}

// Group starts a key group.
func Group(name string) *GroupBuilder {
	return &GroupBuilder{name: name}
}

// Exact matches one key.
func (g *GroupBuilder) Exact(key string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindExact, pattern: key})
	return g
}

// Prefix matches every key starting with prefix, e.g. "tree:".
func (g *GroupBuilder) Prefix(prefix string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindPrefix, pattern: prefix})
	return g
}

// Regex matches keys against pattern. An invalid pattern panics.
func (g *GroupBuilder) Regex(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindRegex, pattern: pattern, re: regexp.MustCompile(pattern)})
	return g
}

// Policy sets the group policy.
func (g *GroupBuilder) Policy(p Policy) *GroupBuilder {
	g.policy = &p
	return g
}
