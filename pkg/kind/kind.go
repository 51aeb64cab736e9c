package kind

import (
	"strings"
	"unicode"
)

// KindsMatch normalizes names for easier matches. It is used for plugin
// names in rule sets and for worker roles.
func KindsMatch(a, b string) bool {
	return NormalizeKind(a) == NormalizeKind(b)
}

// NormalizeKind lower cases and removes dashes and underscores to allow some
// flexibility when comparing names
func NormalizeKind(kind string) string {
	var b strings.Builder
	b.Grow(len(kind))

	for _, r := range strings.TrimSpace(kind) {
		r := unicode.ToLower(r)
		if r != '_' && r != '-' {
			b.WriteRune(r)
		}
	}

	return b.String()
}
