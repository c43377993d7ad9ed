package repair

import "regexp"

// flaggedPatterns mark explanations that need a human: OCR failures the
// model reported itself, and degraded artifacts.
var flaggedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)OCR unclear`),
	regexp.MustCompile(`(?i)requires manual review`),
	regexp.MustCompile(`(?i)Multiple generation attempts failed`),
	regexp.MustCompile(`(?i)manual review recommended`),
	regexp.MustCompile(`(?i)cannot parse`),
	regexp.MustCompile(`(?i)options missing`),
	regexp.MustCompile(`(?i)serious issue`),
}

// IsFlagged reports whether an explanation asks for manual review.
func IsFlagged(explanation string) bool {
	for _, p := range flaggedPatterns {
		if p.MatchString(explanation) {
			return true
		}
	}
	return false
}
