package domain

import "strings"

// SplitScope splits a space-delimited scope string into tokens,
// dropping empty entries.
func SplitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScope joins scope tokens back into the wire format.
func JoinScope(tokens []string) string {
	return strings.Join(tokens, " ")
}

// RemoveScope returns scope with every occurrence of name removed.
func RemoveScope(scope, name string) string {
	tokens := SplitScope(scope)
	out := tokens[:0]
	for _, t := range tokens {
		if t != name {
			out = append(out, t)
		}
	}
	return JoinScope(out)
}

// NarrowScope checks requested against allowed as sets. When every
// requested token is allowed it returns the deduplicated request in
// request order and true; any token outside allowed returns false.
func NarrowScope(requested string, allowed []string) (string, bool) {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range SplitScope(requested) {
		if !set[t] {
			return "", false
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return JoinScope(out), true
}
