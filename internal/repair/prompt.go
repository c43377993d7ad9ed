package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

const systemPrompt = `You are an educational AI assistant responsible for generating comprehensive exercise solutions.

Please follow the Exercise Processing Protocol:

1. **Source Text Priority**:
   - Always prioritize the provided "original answer" and "original explanation"
   - Only correct final_answer when the original has obvious errors (e.g., logic completely reversed)
   - Always preserve original_answer even when correcting
   - Only rewrite explanations when original is missing, extremely brief, or has scientific errors

2. **One Question at a Time**:
   - Process only one question per request
   - Do not skip or merge questions

3. **Output Format**:
   - Output valid JSON format without Markdown code block markers
   - JSON structure must contain:
     {
       "final_answer": "Corrected final answer (letters)",
       "original_answer": "Original book answer (if available)",
       "final_expl_markdown": "Detailed explanation in Markdown format"
     }

4. **Explanation Requirements**:
   - **Smart Correction**: If original answer is A but explanation supports B, set final_answer to B and note "(Original answer A appears incorrect, corrected to B)"
   - **Cite Authority**: Include textbook references in explanations
   - **Option Analysis**: Analyze why correct options are right AND why incorrect options are wrong
   - **Key Highlighting**: Use **bold** for core concepts and key terms
   - **Frequency Marking**: Add "⭐ High-frequency" at start if question is classic/common

5. **Manual Review Flag**:
   - If OCR quality is too poor to understand, output "> OCR unclear, requires manual review" in final_expl_markdown`

const userPrompt = `{{.System}}

Textbook excerpt (reference):
{{.Context}}

Question:
{{.Stem}}

Options:
{{.Options}}

Original Answer: {{.OriginalAnswer}}
Original Explanation: {{.OriginalExplanation}}
{{- if .PreviousError}}

[IMPORTANT] Your previous JSON had the following issue, please correct:
{{.PreviousError}}

Your previous raw output (for reference only, do not copy errors):
{{.PreviousOutput}}
{{- end}}

Please generate a JSON solution following the Exercise Processing Protocol.
`

var promptTemplate = template.Must(template.New("solution").Parse(userPrompt))

type promptData struct {
	System              string
	Context             string
	Stem                string
	Options             string
	OriginalAnswer      string
	OriginalExplanation string
	PreviousError       string
	PreviousOutput      string
}

func renderPrompt(data promptData) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func encodeOptions(options map[string]string) string {
	// encoding/json sorts map keys, so the rendering is deterministic.
	data, err := json.Marshal(options)
	if err != nil {
		return "{}"
	}
	return string(data)
}
