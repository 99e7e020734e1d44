package entity

import (
	"strings"
	"unicode"
)

// Slugify lowercases s and joins its letter and digit runs with underscores,
// the way Home Assistant derives object IDs from names.
func Slugify(s string) string {
	var b strings.Builder
	pendingSep := false

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
