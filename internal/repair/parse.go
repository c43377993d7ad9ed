package repair

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/phrazzld/medforge/internal/domain"
)

// ErrNoJSON is returned when no JSON object can be recovered from a response.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON recovers a Solution from free-form model output. Code fences
// are stripped, then the whole text is parsed; failing that, every balanced
// {...} fragment is tried in order of its opening brace.
func ExtractJSON(raw string) (*domain.Solution, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrNoJSON
	}
	text = stripFences(text)

	if sol, ok := decodeSolution(text); ok {
		return sol, nil
	}
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if sol, ok := decodeSolution(text[start : end+1]); ok {
				return sol, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func decodeSolution(text string) (*domain.Solution, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return &domain.Solution{
		FinalAnswer:      stringField(obj["final_answer"]),
		OriginalAnswer:   stringField(obj["original_answer"]),
		FinalExplanation: stringField(obj["final_expl_markdown"]),
	}, true
}

// stringField accepts a JSON string or an array of strings (joined).
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, "")
	}
	return ""
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
