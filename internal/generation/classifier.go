package generation

import (
	"context"
	"errors"
	"strings"
)

// Outcome is the router-facing result of one backend call.
type Outcome int

// Possible outcomes
const (
	OutcomeSuccess Outcome = iota
	OutcomeQuota
	OutcomeUnavailable
	OutcomeFailure
)

// String returns the outcome's name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQuota:
		return "quota"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "failure"
	}
}

// DefaultQuotaKeywords are matched case-insensitively against error text.
var DefaultQuotaKeywords = []string{"quota", "insufficient", "balance", "credit", "rate_limit", "429"}

// Classifier maps backend errors onto outcomes by substring matching.
// Matching is textual on purpose: providers disagree on structured error
// codes, so false positives and negatives on ambiguous text are accepted.
type Classifier struct {
	keywords []string
}

// NewClassifier creates a Classifier. An empty keyword list selects
// DefaultQuotaKeywords.
func NewClassifier(keywords []string) *Classifier {
	if len(keywords) == 0 {
		keywords = DefaultQuotaKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Classifier{keywords: lowered}
}

// Classify returns the outcome for err. Context cancellation is a plain
// failure so it never masquerades as quota exhaustion.
func (c *Classifier) Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ErrQuotaExhausted):
		return OutcomeQuota
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeFailure
	case c.IsQuota(err.Error()):
		return OutcomeQuota
	default:
		return OutcomeFailure
	}
}

// IsQuota reports whether text contains any quota keyword.
func (c *Classifier) IsQuota(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
