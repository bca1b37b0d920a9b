package shared

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText returns s in NFC form with surrounding space trimmed and inner runs collapsed.
func NormalizeText(s string) string {
	if s == "" {
		return s
	}
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
