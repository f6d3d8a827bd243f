package profile

import "strings"

// substitute replaces $scope.name$ tokens with values from attrs. Tokens with
// no value are left in place.
func substitute(pattern, scope string, attrs map[string]string) string {
	prefix := "$" + scope + "."
	var b strings.Builder
	rest := pattern
	for {
		i := strings.Index(rest, prefix)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		j := strings.Index(rest[i+len(prefix):], "$")
		if j < 0 {
			b.WriteString(rest)
			return b.String()
		}
		name := rest[i+len(prefix) : i+len(prefix)+j]
		b.WriteString(rest[:i])
		if v, ok := attrs[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[i : i+len(prefix)+j+1])
		}
		rest = rest[i+len(prefix)+j+1:]
	}
}
