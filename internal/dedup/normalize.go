package dedup

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizePhone reduces a phone number to "+" and digits. Ten-digit numbers
// are assumed to be North American and get a leading 1.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	default:
		return "+" + digits
	}
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CleanName trims and collapses whitespace, keeping case for display.
func CleanName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName folds a name for comparison: accents stripped, lowercased,
// whitespace collapsed.
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(CleanName(folded))
}

// Similarity is the Levenshtein similarity of two normalized names in
// percent, rounded to the nearest integer.
func Similarity(a, b string) int {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	// integer round-half-up of (maxLen-dist)/maxLen*100
	return ((maxLen-dist)*200 + maxLen) / (2 * maxLen)
}
