// Package textutil cleans OCR and document text before it is embedded in
// prompts or rendered into artifacts.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Normalize applies NFKC, drops byte-order marks, zero-width and other
// invisible characters, collapses runs of spaces and tabs, limits blank
// lines to one, and trims the result.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\uFEFF':
			return -1
		case r >= '\u200B' && r <= '\u200F':
			return -1
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case !unicode.IsPrint(r) && r != ' ':
			return -1
		}
		return r
	}, s)
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// RuneLen is the number of characters in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
