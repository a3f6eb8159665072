package fs

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxNameLen = 120

// SafeName converts an arbitrary title into a filename-safe form: NFC
// normalized, path separators and control characters replaced, length
// capped. Returns "untitled" for inputs that reduce to nothing.
func SafeName(raw string) string {
	s := norm.NFC.String(strings.TrimSpace(raw))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	if len(out) > maxNameLen {
		out = out[:maxNameLen]
		// avoid splitting a multi-byte rune at the cap
		out = strings.ToValidUTF8(out, "")
	}
	if out == "" {
		return "untitled"
	}
	return out
}
