package storage

import (
	"encoding/hex"
	"strings"
)

// disallowedChars is the exact character denylist from spec §4.10:
// quote, semicolon, hash, asterisk, slash, backslash, question, angle,
// pipe, colon, space.
const disallowedChars = `'";#*/\?<>|: `

var disallowedSubstrings = []string{"--", "/*", "*/", "--+"}

// CheckString reports whether s is safe to compose into raw SQL text
// (spec §4.10, P7): it must contain none of the denylisted characters
// or substrings. Every externally-supplied name or key used in SQL
// composed by this package is checked with this function before use.
func CheckString(s string) bool {
	if strings.ContainsAny(s, disallowedChars) {
		return false
	}
	for _, sub := range disallowedSubstrings {
		if strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// HexLiteral renders s as a SQL hex literal (X'...') so that values
// (not identifiers) can be embedded into composed SQL text without
// quoting concerns, per spec §4.10.
func HexLiteral(s string) string {
	return "X'" + hex.EncodeToString([]byte(s)) + "'"
}

// HexLiteralBytes renders raw bytes as a SQL hex literal.
func HexLiteralBytes(b []byte) string {
	return "X'" + hex.EncodeToString(b) + "'"
}
