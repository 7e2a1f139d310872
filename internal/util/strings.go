package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxFileNameRunes keeps generated names well inside common filesystem limits
// once a timestamp prefix and extension are added.
const maxFileNameRunes = 80

// SafeFileName turns s into a single path component. Separators, reserved
// characters and control characters become '_', runs of whitespace collapse
// to one space, and leading or trailing dots and spaces are dropped. An
// empty result falls back to "untitled".
func SafeFileName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	n := 0
	for _, r := range s {
		if n >= maxFileNameRunes {
			break
		}
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsSpace(r):
			if space {
				continue
			}
			space = true
			b.WriteByte(' ')
			n++
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r) || unicode.IsControl(r):
			r = '_'
		}
		space = false
		b.WriteRune(r)
		n++
	}

	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "untitled"
	}
	return out
}
