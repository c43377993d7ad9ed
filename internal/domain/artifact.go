package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ManualReviewMarker appears in the explanation of every degraded artifact.
const ManualReviewMarker = "Manual review recommended."

// Solution is the structured result a backend is asked to return for a task.
type Solution struct {
	FinalAnswer      string `json:"final_answer"`
	OriginalAnswer   string `json:"original_answer"`
	FinalExplanation string `json:"final_expl_markdown"`
}

// Artifact is the persisted result of one task. Presence of a readable
// artifact is the task's completion signal.
type Artifact struct {
	GroupID string `json:"group_id"`
	TaskID  int    `json:"task_id"`

	// Body is the rendered markdown block consumed by assembly.
	Body string `json:"body"`

	Answer         string `json:"answer"`
	OriginalAnswer string `json:"original_answer,omitempty"`
	Explanation    string `json:"explanation"`

	// Degraded marks a result synthesized after the repair loop gave up.
	Degraded bool `json:"degraded"`

	Provider   string    `json:"provider,omitempty"`
	Attempts   int       `json:"attempts"`
	ProducedAt time.Time `json:"produced_at"`
}

// Validate checks that the artifact is well-formed enough to persist.
func (a *Artifact) Validate() error {
	if err := ValidateGroupID(a.GroupID); err != nil {
		return err
	}
	if a.TaskID < 0 {
		return fmt.Errorf("%w: negative task id %d", ErrInvalidID, a.TaskID)
	}
	if strings.TrimSpace(a.Body) == "" {
		return fmt.Errorf("%w: artifact %s/%d has empty body", ErrValidation, a.GroupID, a.TaskID)
	}
	return nil
}

// RenderBody formats a task and its answer as the per-question markdown
// block used by the assembly stage.
func RenderBody(t Task, answer, explanation string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %d. %s\n\n", t.ID, strings.TrimSpace(t.Payload.Stem))

	keys := make([]string, 0, len(t.Payload.Options))
	for k := range t.Payload.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- **%s**. %s\n", k, strings.TrimSpace(t.Payload.Options[k]))
	}

	fmt.Fprintf(&b, "\n> **Answer**: %s\n\n", answer)
	b.WriteString(strings.TrimSpace(explanation))
	b.WriteString("\n\n---\n")
	return b.String()
}
