package ocr

import (
	"regexp"
	"strings"
)

var (
	zeroWidthChars    = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060]")
	trailingSpaces    = regexp.MustCompile(`(?m)[ \t]+$`)
	excessiveNewlines = regexp.MustCompile(`\n{4,}`)
)

// CleanText applies light-touch normalization to raw recognition output:
// strips invisible unicode, normalizes line endings and collapses excessive
// blank lines.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	text = zeroWidthChars.ReplaceAllString(text, "")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = trailingSpaces.ReplaceAllString(text, "")
	text = excessiveNewlines.ReplaceAllString(text, "\n\n\n")

	return strings.TrimSpace(text)
}

// CountWords counts non-empty tokens split on runs of whitespace.
func CountWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}
