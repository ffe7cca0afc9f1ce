package sandbox

import "strings"

// Sanitize normalizes script text pasted from rich-text editors: byte order
// marks and zero-width characters are dropped, smart quotes become ASCII
// quotes, every line ending becomes \n, Unicode space variants become a plain
// space, and the result is trimmed.
func Sanitize(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.Map(sanitizeRune, code)
	return strings.TrimSpace(code)
}

func sanitizeRune(r rune) rune {
	switch r {
	case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060':
		return -1
	case '\u2018', '\u2019', '\u201A', '\u201B', '\u2032':
		return '\''
	case '\u201C', '\u201D', '\u201E', '\u201F', '\u2033':
		return '"'
	case '\r', '\u2028', '\u2029':
		return '\n'
	case '\u00A0', '\u202F', '\u205F', '\u3000':
		return ' '
	}
	// en quad .. hair space
	if r >= '\u2000' && r <= '\u200A' {
		return ' '
	}
	return r
}
