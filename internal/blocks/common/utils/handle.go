package utils

import (
	"strings"

	"golang.org/x/net/idna"
)

// CanonicalHandle returns a handle in the form used for comparisons:
//   - surrounding whitespace and a leading "@" removed
//   - trailing dots removed
//   - punycode labels decoded to Unicode, then lowercased
//
// Handles that are not valid domain names are only trimmed and lowercased.
func CanonicalHandle(handle string) string {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "@")
	for strings.HasSuffix(h, ".") {
		h = strings.TrimSuffix(h, ".")
	}
	if u, err := idna.Lookup.ToUnicode(h); err == nil {
		h = u
	}
	return strings.ToLower(h)
}

// FoldText lowercases free text for case-insensitive substring matching.
func FoldText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
