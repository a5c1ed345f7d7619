package source

import "strings"

// Rule excludes a candidate window when Excludes returns true.
type Rule struct {
	Name     string
	Excludes func(in Inspector, h uintptr) bool
}

// DefaultRules returns the window exclusion policy in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "shell", Excludes: func(in Inspector, h uintptr) bool {
			return in.ShellWindow() == h
		}},
		{Name: "invisible", Excludes: func(in Inspector, h uintptr) bool {
			return !in.IsVisible(h)
		}},
		{Name: "not-top-level", Excludes: func(in Inspector, h uintptr) bool {
			return in.RootAncestor(h) != h
		}},
		{Name: "disabled", Excludes: func(in Inspector, h uintptr) bool {
			return in.Style(h)&StyleDisabled == StyleDisabled
		}},
		// Only the shell cloak reason excludes; app- and inherited-cloaked
		// windows stay eligible.
		{Name: "shell-cloaked", Excludes: func(in Inspector, h uintptr) bool {
			reason, ok := in.CloakReason(h)
			return ok && reason == CloakedShell
		}},
		{Name: "untitled", Excludes: func(in Inspector, h uintptr) bool {
			return in.Title(h) == ""
		}},
	}
}

// Filter applies rules in order; the first matching rule rejects the
// candidate and no later rule is evaluated for it.
type Filter struct {
	Rules []Rule
}

// Evaluate returns true when h survives every rule. Otherwise it returns the
// name of the rejecting rule.
func (f Filter) Evaluate(in Inspector, h uintptr) (bool, string) {
	for _, r := range f.Rules {
		if r.Excludes(in, h) {
			return false, r.Name
		}
	}
	return true, ""
}

// Predicate matches a source.
type Predicate func(Source) bool

// TitlePrefix matches sources whose title starts with prefix.
func TitlePrefix(prefix string) Predicate {
	return func(s Source) bool { return strings.HasPrefix(s.Title, prefix) }
}

// Select picks a source. With a nil predicate the first source wins;
// otherwise the first match wins and index 0 is the fallback. ok is false
// only when sources is empty.
func Select(sources []Source, pred Predicate) (Source, bool) {
	if len(sources) == 0 {
		return Source{}, false
	}
	if pred == nil {
		return sources[0], true
	}
	for _, s := range sources {
		if pred(s) {
			return s, true
		}
	}
	return sources[0], true
}
