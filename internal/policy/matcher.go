package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Action is what a matching rule does to a request.
type Action string

// Rule actions in precedence order. ActionAllow is never declared by a
// rule; Classify returns it when nothing matched.
const (
	ActionDeny      Action = "deny"
	ActionOwnerOnly Action = "owner_only"
	ActionElevate   Action = "elevate"
	ActionAllow     Action = "allow"
)

// rank orders actions by precedence: lower wins.
func (a Action) rank() int {
	switch a {
	case ActionDeny:
		return 0
	case ActionOwnerOnly:
		return 1
	case ActionElevate:
		return 2
	default:
		return 3
	}
}

// Valid reports whether a is an action a rule may declare.
func (a Action) Valid() bool {
	return a == ActionDeny || a == ActionOwnerOnly || a == ActionElevate
}

// GlobalScope marks a rule that applies to every tool.
const GlobalScope = ""

// Rule is a single pattern bound to an action.
//
// A pattern containing '*' is a glob that must match the whole command,
// where '*' matches any run of characters including spaces and slashes.
// Any other pattern matches when it occurs as a substring of the command.
// Matching is case-sensitive.
type Rule struct {
	Pattern string
	Action  Action
	Scope   string
}

func (r Rule) String() string {
	scope := r.Scope
	if scope == GlobalScope {
		scope = "global"
	}
	return fmt.Sprintf("%s %s %q", scope, r.Action, r.Pattern)
}

// ValidatePattern rejects patterns that can never be meaningful:
// empty strings and patterns made only of wildcards.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if strings.Trim(pattern, "*") == "" {
		return fmt.Errorf("%w: %q matches everything", ErrInvalidPattern, pattern)
	}
	return nil
}

// Match reports whether command matches pattern.
func Match(pattern, command string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(command, pattern)
	}
	return globMatch(pattern, command)
}

// globMatch is a linear wildcard matcher. On mismatch it only ever
// rewinds to the most recent '*', so it cannot backtrack exponentially.
func globMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Classify applies rules in precedence order (deny, owner_only, elevate;
// declaration order within an action) and returns the first match.
// When nothing matches it returns ActionAllow and false.
func Classify(command string, rules []Rule) (Rule, bool) {
	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b Rule) int {
		return a.Action.rank() - b.Action.rank()
	})
	for _, r := range ordered {
		if Match(r.Pattern, command) {
			return r, true
		}
	}
	return Rule{Action: ActionAllow}, false
}

// firstMatch returns the first rule of a pre-filtered list that matches.
func firstMatch(command string, rules []Rule) (Rule, bool) {
	for _, r := range rules {
		if Match(r.Pattern, command) {
			return r, true
		}
	}
	return Rule{}, false
}
