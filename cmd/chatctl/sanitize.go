package main

import (
	"strings"
	"unicode/utf8"
)

// terminalSafe drops codepoints that make emoji sequences render wider than
// the terminal expects: skin tone modifiers, zero width joiners and
// variation selectors. Control characters other than tab become spaces.
func terminalSafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case dropRune(r):
		case r < 0x20 && r != '\t':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dropRune(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case r == 0x200D:
		return true
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	}
	return false
}
