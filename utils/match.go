package utils

import "strings"

// MatchResource reports whether value (a request path, optionally prefixed by
// an HTTP method and a space) matches pattern. Supported pattern syntax:
//   - "*" matches within a single path segment.
//   - "**" matches any remainder, including "/". A trailing "/**" also matches
//     the bare prefix, so "/api/v1/finance/**" covers "/api/v1/finance".
//   - ":name" matches exactly one non-empty segment.
//
// A pattern with a method ("GET /users/:id") only matches values carrying the
// same method; "*" as method matches any.
func MatchResource(value, pattern string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	valMethod, valPath, valHas := strings.Cut(value, " ")
	patMethod, patPath, patHas := strings.Cut(pattern, " ")
	if patHas {
		if !valHas {
			return false
		}
		if patMethod != "*" && !strings.EqualFold(patMethod, valMethod) {
			return false
		}
		return matchPath(valPath, patPath)
	}
	if valHas {
		return matchPath(valPath, pattern)
	}
	return matchPath(value, pattern)
}

func matchPath(value, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if matchPath(value, prefix) {
			return true
		}
	}
	return matchFrom(value, pattern)
}

func matchFrom(value, pattern string) bool {
	v, p := 0, 0
	for p < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[p:], "**"):
			rest := pattern[p+2:]
			if rest == "" {
				return true
			}
			for i := v; i <= len(value); i++ {
				if matchFrom(value[i:], rest) {
					return true
				}
			}
			return false
		case pattern[p] == '*':
			rest := pattern[p+1:]
			for i := v; i <= len(value); i++ {
				if matchFrom(value[i:], rest) {
					return true
				}
				if i < len(value) && value[i] == '/' {
					return false
				}
			}
			return false
		case pattern[p] == ':':
			for p < len(pattern) && pattern[p] != '/' {
				p++
			}
			start := v
			for v < len(value) && value[v] != '/' {
				v++
			}
			if v == start {
				return false
			}
		default:
			if v >= len(value) || pattern[p] != value[v] {
				return false
			}
			v++
			p++
		}
	}
	return v == len(value)
}

// ContainsAny reports whether s contains one of the given fragments.
func ContainsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(s, f) {
			return true
		}
	}
	return false
}
