package repair

import (
	"fmt"
	"sort"
	"strings"

	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/textutil"
)

// DiscrepancyMarkers must appear in an explanation whose answer shares no
// letter with the reference answer.
var DiscrepancyMarkers = []string{"original answer", "corrected"}

// Rules parameterize Validate.
type Rules struct {
	Alphabet             string
	MinExplanationLength int
}

// DefaultRules match the exam format: answers are letters A-E and an
// explanation is at least 20 characters.
var DefaultRules = Rules{Alphabet: "ABCDE", MinExplanationLength: 20}

// Validate checks sol against task and, when it passes, repairs it in
// place: the reference answer is backfilled into OriginalAnswer and
// FinalAnswer is reduced to its sorted, de-duplicated letters. A rejected
// solution is left unmodified and reason says why.
func Validate(sol *domain.Solution, task domain.Task, rules Rules) (ok bool, reason string) {
	if sol == nil {
		return false, "JSON is empty"
	}
	if rules.Alphabet == "" {
		rules.Alphabet = DefaultRules.Alphabet
	}

	answer := strings.ToUpper(strings.TrimSpace(sol.FinalAnswer))
	reference := task.ReferenceAnswer()
	explanation := strings.TrimSpace(sol.FinalExplanation)

	if answer == "" {
		return false, "final_answer is empty"
	}
	for _, r := range answer {
		if !strings.ContainsRune(rules.Alphabet, r) {
			return false, fmt.Sprintf("final_answer contains invalid options: %s", answer)
		}
	}

	keys := make(map[rune]bool, len(task.Payload.Options))
	for k := range task.Payload.Options {
		for _, r := range strings.ToUpper(k) {
			keys[r] = true
		}
	}
	for _, r := range answer {
		if !keys[r] {
			return false, fmt.Sprintf("final_answer has non-existent options: %s vs %s",
				answer, strings.Join(task.OptionKeys(), ""))
		}
	}

	if textutil.RuneLen(explanation) < rules.MinExplanationLength {
		return false, "Explanation text too short"
	}

	if reference != "" && !strings.ContainsAny(reference, answer) && !acknowledgesDiscrepancy(explanation) {
		return false, "final_answer differs from original without explanation"
	}

	if reference != "" && sol.OriginalAnswer != reference {
		sol.OriginalAnswer = reference
	}
	sol.FinalAnswer = canonicalAnswer(answer)
	sol.FinalExplanation = explanation
	return true, ""
}

func acknowledgesDiscrepancy(explanation string) bool {
	lower := strings.ToLower(explanation)
	for _, m := range DiscrepancyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func canonicalAnswer(answer string) string {
	seen := make(map[rune]bool, len(answer))
	letters := make([]string, 0, len(answer))
	for _, r := range answer {
		if !seen[r] {
			seen[r] = true
			letters = append(letters, string(r))
		}
	}
	sort.Strings(letters)
	return strings.Join(letters, "")
}
