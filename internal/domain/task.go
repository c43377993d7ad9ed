package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Question is the payload of a task as produced by the parse stage.
type Question struct {
	// Stem is the question text.
	Stem string `json:"stem" yaml:"stem" validate:"required"`

	// Options maps an answer symbol (A-E) to the option text.
	Options map[string]string `json:"options" yaml:"options" validate:"required,min=1,dive,keys,len=1,endkeys"`

	// RawAnswer is the reference answer extracted from the source, if any.
	RawAnswer string `json:"raw_answer,omitempty" yaml:"raw_answer,omitempty"`

	// RawExplanation is the explanation extracted from the source, if any.
	RawExplanation string `json:"raw_expl,omitempty" yaml:"raw_expl,omitempty"`

	// RawID preserves the numbering used in the source document.
	RawID int `json:"raw_id,omitempty" yaml:"raw_id,omitempty"`
}

// Task is one unit of generation work. ID is stable across runs and unique
// within GroupID.
type Task struct {
	GroupID string   `json:"group_id" yaml:"group_id" validate:"required"`
	ID      int      `json:"id" yaml:"id" validate:"gte=0"`
	Payload Question `json:"payload" yaml:"payload" validate:"required"`

	// Context is the excerpt of source text the question was drawn from.
	Context string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Validate checks the task's struct tags and the group id's path safety.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: task %s/%d: %v", ErrValidation, t.GroupID, t.ID, err)
	}
	if err := ValidateGroupID(t.GroupID); err != nil {
		return err
	}
	return nil
}

// OptionKeys returns the task's allowed answer symbols in sorted order.
func (t *Task) OptionKeys() []string {
	keys := make([]string, 0, len(t.Payload.Options))
	for k := range t.Payload.Options {
		keys = append(keys, strings.ToUpper(k))
	}
	sort.Strings(keys)
	return keys
}

// ReferenceAnswer is the upper-cased, trimmed raw answer.
func (t *Task) ReferenceAnswer() string {
	return strings.ToUpper(strings.TrimSpace(t.Payload.RawAnswer))
}

// ValidateGroupID rejects identifiers that cannot be used as a single path
// component.
func ValidateGroupID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty group id", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: group id %q", ErrInvalidID, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: group id %q contains a path separator", ErrInvalidID, id)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: group id %q is hidden", ErrInvalidID, id)
	}
	return nil
}

// Group is an independent partition of work with its own task set and
// status record.
type Group struct {
	ID    string `json:"id"`
	Tasks []Task `json:"tasks"`
}

// TaskIDs returns the ids of the group's tasks in ascending order.
func (g *Group) TaskIDs() []int {
	ids := make([]int, 0, len(g.Tasks))
	for _, t := range g.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Ints(ids)
	return ids
}
